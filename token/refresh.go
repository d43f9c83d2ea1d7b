package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/blake2b"
)

const refreshSecretSize = 32

// ErrRefreshMalformed is returned when presented refresh material does not
// decode to the expected size.
var ErrRefreshMalformed = errors.New("refresh token malformed")

// Hasher produces the one-way keyed hash under which refresh material is
// stored. Only the hash ever touches a store; the opaque token exists in
// memory at issuance and presentation.
type Hasher struct {
	key [32]byte
}

func NewHasher(key [32]byte) *Hasher {
	return &Hasher{key: key}
}

// NewRefreshToken mints opaque refresh material and its storage hash.
func (h *Hasher) NewRefreshToken() (opaque string, hash [32]byte, err error) {
	var secret [refreshSecretSize]byte
	if _, err = rand.Read(secret[:]); err != nil {
		return "", hash, err
	}
	opaque = base64.RawURLEncoding.EncodeToString(secret[:])
	hash = h.sum(secret[:])
	return opaque, hash, nil
}

// HashPresented maps a presented opaque token to its storage hash.
func (h *Hasher) HashPresented(opaque string) ([32]byte, error) {
	var hash [32]byte
	secret, err := base64.RawURLEncoding.DecodeString(opaque)
	if err != nil || len(secret) != refreshSecretSize {
		return hash, ErrRefreshMalformed
	}
	return h.sum(secret), nil
}

func (h *Hasher) sum(secret []byte) [32]byte {
	// blake2b accepts keys up to 64 bytes; a 32-byte key never errors.
	mac, err := blake2b.New256(h.key[:])
	if err != nil {
		panic(err)
	}
	mac.Write(secret)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
