package internal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	correlationIDSize = 16
	nonceSize         = 32
	pkceVerifierSize  = 64
)

// NewCorrelationID returns an opaque id used to correlate the two halves of
// an OAuth handshake across the redirect boundary. It carries no authority.
func NewCorrelationID() (string, error) {
	var raw [correlationIDSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewNonce returns a high-entropy nonce for state signing and id-token binding.
func NewNonce() (string, error) {
	var raw [nonceSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// NewPKCEVerifier returns a PKCE code verifier (RFC 7636 high-entropy random).
func NewPKCEVerifier() (string, error) {
	var raw [pkceVerifierSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// PKCEChallenge derives the S256 code challenge from a verifier.
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SignState produces a state value bound to the correlation id: the nonce in
// clear plus an HMAC over correlationID and nonce. A state minted for one
// correlation id never verifies against another.
func SignState(key []byte, correlationID, nonce string) string {
	mac := stateMAC(key, correlationID, nonce)
	return nonce + "." + base64.RawURLEncoding.EncodeToString(mac)
}

// VerifyState checks a presented state value against the correlation id it
// claims to belong to. Comparison is constant time.
func VerifyState(key []byte, correlationID, state string) bool {
	nonce, encodedMAC, ok := strings.Cut(state, ".")
	if !ok || nonce == "" {
		return false
	}
	presented, err := base64.RawURLEncoding.DecodeString(encodedMAC)
	if err != nil {
		return false
	}
	expected := stateMAC(key, correlationID, nonce)
	return hmac.Equal(presented, expected)
}

// StateNonce extracts the nonce half of a signed state value.
func StateNonce(state string) (string, error) {
	nonce, _, ok := strings.Cut(state, ".")
	if !ok || nonce == "" {
		return "", errors.New("malformed state value")
	}
	return nonce, nil
}

func stateMAC(key []byte, correlationID, nonce string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(correlationID))
	h.Write([]byte{0})
	h.Write([]byte(nonce))
	return h.Sum(nil)
}
