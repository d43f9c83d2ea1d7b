package oauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type idTokenOpts struct {
	kid      string
	issuer   string
	audience string
	nonce    string
	subject  string
	email    string
	ttl      time.Duration
}

func signIDToken(t *testing.T, priv ed25519.PrivateKey, opts idTokenOpts) string {
	t.Helper()
	claims := idTokenClaims{
		Nonce: opts.nonce,
		Email: opts.email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   opts.subject,
			Issuer:    opts.issuer,
			Audience:  jwt.ClaimStrings{opts.audience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(opts.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = opts.kid
	raw, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return raw
}

func TestJWTVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	verifier, err := NewJWTVerifier(JWTVerifierConfig{
		Issuer:   "https://idp.example.com",
		Audience: "client-1",
		Keys:     map[string][]byte{"idp-k1": pub},
	})
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}

	base := idTokenOpts{
		kid:      "idp-k1",
		issuer:   "https://idp.example.com",
		audience: "client-1",
		nonce:    "nonce-1",
		subject:  "idp-user-1",
		email:    "u@example.com",
		ttl:      time.Minute,
	}

	t.Run("valid", func(t *testing.T) {
		identity, err := verifier.Verify(context.Background(), signIDToken(t, priv, base), "nonce-1")
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if identity.Subject != "idp-user-1" || identity.Email != "u@example.com" {
			t.Fatalf("identity = %+v", identity)
		}
	})

	reject := func(name string, raw string, nonce string) {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.Verify(context.Background(), raw, nonce); !errors.Is(err, ErrIDTokenInvalid) {
				t.Fatalf("expected ErrIDTokenInvalid, got %v", err)
			}
		})
	}

	wrongNonce := base
	reject("nonce mismatch", signIDToken(t, priv, wrongNonce), "other-nonce")

	badIssuer := base
	badIssuer.issuer = "https://other.example.com"
	reject("wrong issuer", signIDToken(t, priv, badIssuer), "nonce-1")

	badAudience := base
	badAudience.audience = "client-2"
	reject("wrong audience", signIDToken(t, priv, badAudience), "nonce-1")

	badKid := base
	badKid.kid = "unknown"
	reject("unknown kid", signIDToken(t, priv, badKid), "nonce-1")

	expired := base
	expired.ttl = -time.Minute
	reject("expired", signIDToken(t, priv, expired), "nonce-1")

	noSubject := base
	noSubject.subject = ""
	reject("missing subject", signIDToken(t, priv, noSubject), "nonce-1")

	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	forged := base
	reject("forged signature", signIDToken(t, otherPriv, forged), "nonce-1")

	reject("garbage", "not.a.jwt", "nonce-1")
}
