package tokens

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minHMACSecret = 32

var errUnknownKey = errors.New("tokens: unknown signing key")

// Key is one versioned signing key. A key without signing material can only
// verify, which is how public keys of another deployment are loaded.
type Key struct {
	Version   string
	Method    jwt.SigningMethod
	RetiredAt time.Time

	sign   any
	verify any
}

// CanSign reports whether the key holds signing material.
func (k Key) CanSign() bool {
	return k.sign != nil
}

// NewHMACKey returns an HS256 key. The secret must be at least 32 bytes.
func NewHMACKey(version string, secret []byte) (Key, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return Key{}, errors.New("tokens: key version is required")
	}
	if len(secret) < minHMACSecret {
		return Key{}, fmt.Errorf("tokens: key %s: secret must be at least %d bytes", version, minHMACSecret)
	}
	s := append([]byte(nil), secret...)
	return Key{Version: version, Method: jwt.SigningMethodHS256, sign: s, verify: s}, nil
}

// NewRSAKey returns an RS256 key from PEM. privatePEM may be empty for a
// verify-only key; publicPEM may be empty when it can be derived.
func NewRSAKey(version, privatePEM, publicPEM string) (Key, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return Key{}, errors.New("tokens: key version is required")
	}
	k := Key{Version: version, Method: jwt.SigningMethodRS256}
	if strings.TrimSpace(privatePEM) != "" {
		priv, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privatePEM))
		if err != nil {
			return Key{}, fmt.Errorf("tokens: key %s: parse private key: %w", version, err)
		}
		k.sign = priv
		k.verify = &priv.PublicKey
	}
	if strings.TrimSpace(publicPEM) != "" {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(publicPEM))
		if err != nil {
			return Key{}, fmt.Errorf("tokens: key %s: parse public key: %w", version, err)
		}
		if priv, ok := k.sign.(*rsa.PrivateKey); ok && !priv.PublicKey.Equal(pub) {
			return Key{}, fmt.Errorf("tokens: key %s: public key does not match private key", version)
		}
		k.verify = pub
	}
	if k.verify == nil {
		return Key{}, fmt.Errorf("tokens: key %s: no key material", version)
	}
	return k, nil
}

// KeySet holds every key that may still verify outstanding tokens and names
// the one used for signing. It is read on every request and written only on
// rotation.
type KeySet struct {
	mu     sync.RWMutex
	keys   map[string]Key
	active string
}

// NewKeySet builds a set from keys. The last key able to sign becomes active.
func NewKeySet(keys ...Key) (*KeySet, error) {
	ks := &KeySet{keys: make(map[string]Key, len(keys))}
	for _, k := range keys {
		if _, dup := ks.keys[k.Version]; dup {
			return nil, fmt.Errorf("tokens: duplicate key version %q", k.Version)
		}
		ks.keys[k.Version] = k
		if k.CanSign() {
			ks.active = k.Version
		}
	}
	if ks.active == "" {
		return nil, errors.New("tokens: key set has no signing key")
	}
	return ks, nil
}

// Active returns the signing key.
func (ks *KeySet) Active() Key {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.keys[ks.active]
}

// Lookup returns the key for version.
func (ks *KeySet) Lookup(version string) (Key, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	k, ok := ks.keys[version]
	return k, ok
}

// Rotate makes k the signing key and marks the previous one retired at at.
// Tokens signed by retired keys keep verifying until Prune drops the key.
func (ks *KeySet) Rotate(k Key, at time.Time) error {
	if !k.CanSign() {
		return errors.New("tokens: rotation key cannot sign")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, dup := ks.keys[k.Version]; dup {
		return fmt.Errorf("tokens: duplicate key version %q", k.Version)
	}
	prev := ks.keys[ks.active]
	prev.RetiredAt = at
	ks.keys[prev.Version] = prev
	ks.keys[k.Version] = k
	ks.active = k.Version
	return nil
}

// Retire marks a non-active key as retired at at so that Prune can drop it
// once its tokens have expired.
func (ks *KeySet) Retire(version string, at time.Time) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	k, ok := ks.keys[version]
	if !ok {
		return errUnknownKey
	}
	if version == ks.active {
		return errors.New("tokens: cannot retire the active key")
	}
	if k.RetiredAt.IsZero() {
		k.RetiredAt = at
		ks.keys[version] = k
	}
	return nil
}

// Prune drops keys retired longer than retention ago and returns their
// versions. retention should be at least the access token TTL.
func (ks *KeySet) Prune(now time.Time, retention time.Duration) []string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	var dropped []string
	for v, k := range ks.keys {
		if v == ks.active || k.RetiredAt.IsZero() {
			continue
		}
		if now.Sub(k.RetiredAt) > retention {
			delete(ks.keys, v)
			dropped = append(dropped, v)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Versions lists the loaded key versions.
func (ks *KeySet) Versions() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]string, 0, len(ks.keys))
	for v := range ks.keys {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// algorithms lists the signing algorithms of the loaded keys.
func (ks *KeySet) algorithms() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, k := range ks.keys {
		alg := k.Method.Alg()
		if _, ok := seen[alg]; !ok {
			seen[alg] = struct{}{}
			out = append(out, alg)
		}
	}
	sort.Strings(out)
	return out
}

// verificationKey implements jwt.Keyfunc.
func (ks *KeySet) verificationKey(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	k, ok := ks.Lookup(kid)
	if !ok || t.Method.Alg() != k.Method.Alg() {
		return nil, errUnknownKey
	}
	return k.verify, nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS renders the public halves of the loaded RSA keys as a JSON Web Key
// Set. HMAC keys are never published.
func (ks *KeySet) JWKS() ([]byte, error) {
	ks.mu.RLock()
	versions := make([]string, 0, len(ks.keys))
	for v := range ks.keys {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	set := struct {
		Keys []jwk `json:"keys"`
	}{Keys: []jwk{}}
	for _, v := range versions {
		k := ks.keys[v]
		pub, ok := k.verify.(*rsa.PublicKey)
		if !ok {
			continue
		}
		set.Keys = append(set.Keys, jwk{
			Kty: "RSA",
			Kid: k.Version,
			Alg: k.Method.Alg(),
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	ks.mu.RUnlock()
	return json.Marshal(set)
}
