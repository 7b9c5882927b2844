package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v1=<hex>[,v1=<hex>...]".
const SignatureHeader = "Processor-Signature"

const defaultTolerance = 5 * time.Minute

// Verifier checks processor signatures. Several secrets may be active while
// the processor rotates its signing secret.
type Verifier struct {
	secrets   [][]byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier builds a Verifier. tolerance bounds the accepted clock skew of
// the signed timestamp; zero means five minutes.
func NewVerifier(secrets []string, tolerance time.Duration, now func() time.Time) (*Verifier, error) {
	v := &Verifier{tolerance: tolerance, now: now}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s != "" {
			v.secrets = append(v.secrets, []byte(s))
		}
	}
	if len(v.secrets) == 0 {
		return nil, errors.New("billing: at least one webhook secret is required")
	}
	if v.tolerance <= 0 {
		v.tolerance = defaultTolerance
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// Verify returns ErrInvalidSignature for every failure without saying which
// part failed.
func (v *Verifier) Verify(header string, body []byte) error {
	ts, sigs, ok := parseSignatureHeader(header)
	if !ok {
		return ErrInvalidSignature
	}
	signedAt := time.Unix(ts, 0)
	skew := v.now().Sub(signedAt)
	if skew < -v.tolerance || skew > v.tolerance {
		return ErrInvalidSignature
	}
	payload := signedPayload(ts, body)
	matched := false
	for _, secret := range v.secrets {
		expected := mac(secret, payload)
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				matched = true
			}
		}
	}
	if !matched {
		return ErrInvalidSignature
	}
	return nil
}

// Sign produces a header value for body. Used by tests and replay tooling.
func Sign(secret string, at time.Time, body []byte) string {
	ts := at.Unix()
	sig := mac([]byte(secret), signedPayload(ts, body))
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(sig)
}

func signedPayload(ts int64, body []byte) []byte {
	prefix := strconv.FormatInt(ts, 10) + "."
	out := make([]byte, 0, len(prefix)+len(body))
	out = append(out, prefix...)
	return append(out, body...)
}

func mac(secret, payload []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(payload)
	return m.Sum(nil)
}

func parseSignatureHeader(header string) (int64, [][]byte, bool) {
	var (
		ts    int64
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, nil, false
			}
			ts, hasTS = n, true
		case "v1":
			sig, err := hex.DecodeString(val)
			if err != nil || len(sig) != sha256.Size {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	return ts, sigs, hasTS && len(sigs) > 0
}
