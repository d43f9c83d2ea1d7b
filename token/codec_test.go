package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func newTestCodec(t *testing.T, mutate func(*CodecConfig)) *Codec {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cfg := CodecConfig{
		Method:     MethodEd25519,
		PrivateKey: priv,
		PublicKey:  pub,
		KeyID:      "k1",
		Issuer:     "keygate-test",
		Audience:   "api",
		AccessTTL:  5 * time.Minute,
		Leeway:     time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	codec, err := NewCodec(cfg)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func TestCodecSignVerify(t *testing.T) {
	codec := newTestCodec(t, nil)

	raw, err := codec.Sign("user-1", "sess-1", []string{"admin", "viewer"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	claims, err := codec.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("subject = %q", claims.Subject)
	}
	if claims.SessionID != "sess-1" {
		t.Fatalf("session id = %q", claims.SessionID)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "admin" {
		t.Fatalf("roles = %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatal("missing jti")
	}
}

func TestCodecRejectsExpired(t *testing.T) {
	codec := newTestCodec(t, nil)
	codec.now = func() time.Time { return time.Now().Add(-time.Hour) }

	raw, err := codec.Sign("user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	codec.now = time.Now

	if _, err := codec.Verify(raw); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestCodecRejectsForeignKey(t *testing.T) {
	a := newTestCodec(t, nil)
	b := newTestCodec(t, nil)

	raw, err := a.Sign("user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := b.Verify(raw); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestCodecPreviousKeyWindow(t *testing.T) {
	old := newTestCodec(t, nil)
	raw, err := old.Sign("user-1", "sess-1", nil)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rotated := newTestCodec(t, func(cfg *CodecConfig) {
		cfg.PrivateKey = priv
		cfg.PublicKey = pub
		cfg.KeyID = "k2"
		cfg.PreviousKeyID = "k1"
		cfg.PreviousPublicKey = old.cfg.PublicKey
		cfg.PreviousKeyExpiry = time.Now().Add(time.Hour)
	})

	if _, err := rotated.Verify(raw); err != nil {
		t.Fatalf("token under previous key inside window: %v", err)
	}

	rotated.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := rotated.Verify(raw); !errors.Is(err, ErrKeyDecommissioned) {
		t.Fatalf("expected ErrKeyDecommissioned, got %v", err)
	}
}

func TestCodecConfigValidation(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)

	cases := []struct {
		name   string
		mutate func(*CodecConfig)
	}{
		{"zero ttl", func(c *CodecConfig) { c.AccessTTL = 0 }},
		{"empty kid", func(c *CodecConfig) { c.KeyID = "  " }},
		{"bad method", func(c *CodecConfig) { c.Method = "rs512" }},
		{"previous key without expiry", func(c *CodecConfig) {
			c.PreviousKeyID = "k0"
			c.PreviousPublicKey = pub
		}},
	}
	for _, tc := range cases {
		cfg := CodecConfig{
			Method:     MethodEd25519,
			PrivateKey: priv,
			PublicKey:  pub,
			KeyID:      "k1",
			AccessTTL:  time.Minute,
		}
		tc.mutate(&cfg)
		if _, err := NewCodec(cfg); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestHasherRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	h := NewHasher(key)

	opaque, hash, err := h.NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}

	got, err := h.HashPresented(opaque)
	if err != nil {
		t.Fatalf("HashPresented: %v", err)
	}
	if got != hash {
		t.Fatal("presented hash does not match issued hash")
	}
}

func TestHasherRejectsMalformed(t *testing.T) {
	var key [32]byte
	h := NewHasher(key)

	for _, bad := range []string{"", "not-base64!!", "c2hvcnQ"} {
		if _, err := h.HashPresented(bad); !errors.Is(err, ErrRefreshMalformed) {
			t.Fatalf("%q: expected ErrRefreshMalformed, got %v", bad, err)
		}
	}
}

func TestHasherKeySeparation(t *testing.T) {
	var keyA, keyB [32]byte
	keyA[0] = 1
	keyB[0] = 2

	opaque, hashA, err := NewHasher(keyA).NewRefreshToken()
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}
	hashB, err := NewHasher(keyB).HashPresented(opaque)
	if err != nil {
		t.Fatalf("HashPresented: %v", err)
	}
	if hashA == hashB {
		t.Fatal("different keys produced the same hash")
	}
}
