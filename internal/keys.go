package internal

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySet holds the derived secrets this core needs beyond the signing key.
// Both are derived from one master secret so operators rotate a single value.
type KeySet struct {
	// RefreshHashKey keys the one-way hash applied to refresh-token material
	// before it is persisted.
	RefreshHashKey [32]byte
	// StateKey signs OAuth state values.
	StateKey [32]byte
}

// DeriveKeys expands the master secret into the key set via HKDF-SHA256.
// The master secret must be at least 32 bytes.
func DeriveKeys(master []byte) (*KeySet, error) {
	if len(master) < 32 {
		return nil, errors.New("master secret must be at least 32 bytes")
	}

	ks := &KeySet{}
	for _, d := range []struct {
		label string
		out   []byte
	}{
		{"keygate/refresh-hash/v1", ks.RefreshHashKey[:]},
		{"keygate/oauth-state/v1", ks.StateKey[:]},
	} {
		r := hkdf.New(sha256.New, master, nil, []byte(d.label))
		if _, err := io.ReadFull(r, d.out); err != nil {
			return nil, err
		}
	}

	return ks, nil
}
