package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when no session matches the lookup.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyReplaced is returned when the rotation CAS loses: between
	// the caller's read and the swap, another rotation won or the family
	// was revoked.
	ErrAlreadyReplaced = errors.New("session already replaced")
	// ErrStoreUnavailable wraps backend transport failures.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrSessionCorrupt is returned when a stored session blob or row
	// cannot be decoded.
	ErrSessionCorrupt = errors.New("session record corrupt")
)

// Store is the persistence contract shared by the Redis and Postgres
// backends. Replace is the load-bearing operation: it must be an atomic
// compare-and-swap so that of N concurrent rotations of the same token,
// exactly one succeeds and the rest observe ErrAlreadyReplaced.
type Store interface {
	// Create persists a new live session. ttl bounds retention in
	// backends with native expiry.
	Create(ctx context.Context, sess *Session, ttl time.Duration) error

	// GetByTokenHash resolves a presented token hash to its session.
	GetByTokenHash(ctx context.Context, hash [32]byte) (*Session, error)

	// Replace atomically marks the presented session as replaced by
	// next and persists next, failing with ErrAlreadyReplaced unless
	// the presented session is still the family's live link.
	Replace(ctx context.Context, presentedID string, next *Session, ttl time.Duration) error

	// RevokeSession stamps one session, leaving the rest of its family
	// alone. The stamp is a conditional update: an already-revoked
	// session keeps its original timestamp.
	RevokeSession(ctx context.Context, sessionID string, at time.Time) error

	// RevokeFamily stamps every unrevoked session in the family and
	// returns how many were stamped. Revoked records stay readable
	// until natural expiry so later presentations classify correctly.
	RevokeFamily(ctx context.Context, familyID string, at time.Time) (int, error)

	// RevokeUser revokes every session of every family the user owns.
	RevokeUser(ctx context.Context, userID string, at time.Time) (int, error)

	// ListFamily returns the family's full rotation chain.
	ListFamily(ctx context.Context, familyID string) ([]*Session, error)

	// ListUser returns all sessions across the user's families.
	ListUser(ctx context.Context, userID string) ([]*Session, error)
}
