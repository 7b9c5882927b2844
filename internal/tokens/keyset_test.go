package tokens

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"
	"time"
)

func rsaPEM(t *testing.T) (string, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	privDER := x509.MarshalPKCS1PrivateKey(priv)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return string(privPEM), string(pubPEM)
}

func TestNewHMACKeyRejectsShortSecret(t *testing.T) {
	if _, err := NewHMACKey("v1", []byte("short")); err == nil {
		t.Fatalf("expected short secret to fail")
	}
	if _, err := NewHMACKey(" ", make([]byte, 32)); err == nil {
		t.Fatalf("expected empty version to fail")
	}
}

func TestKeySetRequiresSigner(t *testing.T) {
	priv, pub := rsaPEM(t)
	verifyOnly, err := NewRSAKey("ext", "", pub)
	if err != nil {
		t.Fatalf("NewRSAKey: %v", err)
	}
	if verifyOnly.CanSign() {
		t.Fatalf("public-only key must not sign")
	}
	if _, err := NewKeySet(verifyOnly); err == nil {
		t.Fatalf("expected error without signing key")
	}
	signer, err := NewRSAKey("r1", priv, pub)
	if err != nil {
		t.Fatalf("NewRSAKey: %v", err)
	}
	if _, err := NewKeySet(signer, signer); err == nil {
		t.Fatalf("expected duplicate version to fail")
	}
}

func TestNewRSAKeyDetectsMismatch(t *testing.T) {
	priv, _ := rsaPEM(t)
	_, otherPub := rsaPEM(t)
	if _, err := NewRSAKey("r1", priv, otherPub); err == nil {
		t.Fatalf("expected mismatched pair to fail")
	}
}

func TestRetireAndPrune(t *testing.T) {
	a, _ := NewHMACKey("a", make([]byte, 32))
	b, _ := NewHMACKey("b", []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	ks, err := NewKeySet(a, b)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	if ks.Active().Version != "b" {
		t.Fatalf("last signing key should be active, got %s", ks.Active().Version)
	}
	if err := ks.Retire("b", time.Now()); err == nil {
		t.Fatalf("retiring the active key must fail")
	}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := ks.Retire("a", at); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if got := ks.Prune(at.Add(time.Hour), time.Hour); len(got) != 0 {
		t.Fatalf("pruned too early: %v", got)
	}
	if got := ks.Prune(at.Add(time.Hour+time.Second), time.Hour); len(got) != 1 || got[0] != "a" {
		t.Fatalf("expected a to be pruned, got %v", got)
	}
}

func TestJWKSPublishesOnlyRSA(t *testing.T) {
	priv, pub := rsaPEM(t)
	rk, err := NewRSAKey("r1", priv, pub)
	if err != nil {
		t.Fatalf("NewRSAKey: %v", err)
	}
	hk, _ := NewHMACKey("h1", make([]byte, 32))
	ks, err := NewKeySet(hk, rk)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	raw, err := ks.JWKS()
	if err != nil {
		t.Fatalf("JWKS: %v", err)
	}
	var set struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Alg string `json:"alg"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(raw, &set); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0].Kid != "r1" || set.Keys[0].Alg != "RS256" {
		t.Fatalf("unexpected jwks %s", raw)
	}
	if set.Keys[0].E != "AQAB" {
		t.Fatalf("unexpected exponent %q", set.Keys[0].E)
	}
}

func TestRSAKeySignsAndVerifies(t *testing.T) {
	priv, pub := rsaPEM(t)
	rk, err := NewRSAKey("r1", priv, pub)
	if err != nil {
		t.Fatalf("NewRSAKey: %v", err)
	}
	ks, err := NewKeySet(rk)
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := &Service{deps: Deps{Keys: ks}, issuer: "t", accessTTL: time.Minute, now: func() time.Time { return now }}
	pair, err := svc.pair("user-1", scope{}, "raw", RefreshToken{ExpiresAt: now.Add(time.Hour)}, now)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	claims, err := svc.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.UserID() != "user-1" || claims.KeyVersion != "r1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}
