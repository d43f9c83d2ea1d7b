package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/keygate-io/keygate/token"
)

var (
	// ErrTokenUnknown is returned when presented refresh material is
	// malformed, expired, or matches no stored session.
	ErrTokenUnknown = errors.New("refresh token unknown")
	// ErrFamilyRevoked is returned when the presented token's family has
	// already been revoked.
	ErrFamilyRevoked = errors.New("session family revoked")
	// ErrTokenReused is returned when an already-rotated token is
	// presented. The whole family is revoked as a side effect.
	ErrTokenReused = errors.New("refresh token reused")
)

// FamilyError carries the identity of the session a security error was
// raised for, so callers can log and emit events without a second
// lookup. It unwraps to ErrFamilyRevoked or ErrTokenReused.
type FamilyError struct {
	Err       error
	SessionID string
	FamilyID  string
	UserID    string
}

func (e *FamilyError) Error() string {
	return fmt.Sprintf("%v (family %s)", e.Err, e.FamilyID)
}

func (e *FamilyError) Unwrap() error { return e.Err }

// Manager owns the family lifecycle: starting chains, rotating their
// live link, and revoking on reuse or logout.
type Manager struct {
	store  Store
	hasher *token.Hasher
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(store Store, hasher *token.Hasher, ttl time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		hasher: hasher,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// StartFamily creates a fresh family with its first live session and
// returns the session plus the opaque refresh token.
func (m *Manager) StartFamily(ctx context.Context, userID string) (*Session, string, error) {
	opaque, hash, err := m.hasher.NewRefreshToken()
	if err != nil {
		return nil, "", err
	}

	now := m.now()
	sess := &Session{
		ID:        uuid.NewString(),
		FamilyID:  uuid.NewString(),
		UserID:    userID,
		TokenHash: hash,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, sess, m.ttl); err != nil {
		return nil, "", err
	}
	return sess, opaque, nil
}

// Rotate exchanges a live refresh token for its successor. Presenting a
// rotated token revokes the family; losing the swap race is treated the
// same way, since from the store's view both are a second use of the
// same token.
func (m *Manager) Rotate(ctx context.Context, presented string) (*Session, string, error) {
	hash, err := m.hasher.HashPresented(presented)
	if err != nil {
		return nil, "", ErrTokenUnknown
	}

	current, err := m.store.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, "", ErrTokenUnknown
		}
		return nil, "", err
	}

	now := m.now()
	switch {
	case current.RevokedAt != nil:
		return nil, "", &FamilyError{
			Err:       ErrFamilyRevoked,
			SessionID: current.ID,
			FamilyID:  current.FamilyID,
			UserID:    current.UserID,
		}
	case current.ReplacedBy != "":
		return nil, "", m.handleReuse(ctx, current)
	case !now.Before(current.ExpiresAt):
		return nil, "", ErrTokenUnknown
	}

	opaque, nextHash, err := m.hasher.NewRefreshToken()
	if err != nil {
		return nil, "", err
	}
	next := &Session{
		ID:        uuid.NewString(),
		FamilyID:  current.FamilyID,
		UserID:    current.UserID,
		TokenHash: nextHash,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}

	if err := m.store.Replace(ctx, current.ID, next, m.ttl); err != nil {
		switch {
		case errors.Is(err, ErrAlreadyReplaced):
			return nil, "", m.handleReuse(ctx, current)
		case errors.Is(err, ErrSessionNotFound):
			return nil, "", ErrTokenUnknown
		}
		return nil, "", err
	}

	return next, opaque, nil
}

func (m *Manager) handleReuse(ctx context.Context, current *Session) error {
	stamped, err := m.store.RevokeFamily(ctx, current.FamilyID, m.now())
	if err != nil {
		m.logger.Error("family revocation after reuse failed",
			zap.String("family_id", current.FamilyID),
			zap.Error(err),
		)
		return err
	}

	m.logger.Warn("refresh token reuse detected",
		zap.String("family_id", current.FamilyID),
		zap.String("session_id", current.ID),
		zap.String("user_id", current.UserID),
		zap.Int("sessions_revoked", stamped),
	)
	return &FamilyError{
		Err:       ErrTokenReused,
		SessionID: current.ID,
		FamilyID:  current.FamilyID,
		UserID:    current.UserID,
	}
}

// RevokeByToken revokes the family a presented token belongs to. Used
// for single-device logout; the token need not be live, only known.
func (m *Manager) RevokeByToken(ctx context.Context, presented string) (*Session, error) {
	hash, err := m.hasher.HashPresented(presented)
	if err != nil {
		return nil, ErrTokenUnknown
	}

	sess, err := m.store.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrTokenUnknown
		}
		return nil, err
	}

	if _, err := m.store.RevokeFamily(ctx, sess.FamilyID, m.now()); err != nil {
		return nil, err
	}
	return sess, nil
}

// RevokeSession revokes only the session the presented token belongs
// to. The rest of the family keeps its history; since the live link is
// the only presentable one, revoking it ends the chain without
// condemning earlier links.
func (m *Manager) RevokeSession(ctx context.Context, presented string) (*Session, error) {
	hash, err := m.hasher.HashPresented(presented)
	if err != nil {
		return nil, ErrTokenUnknown
	}

	sess, err := m.store.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrTokenUnknown
		}
		return nil, err
	}

	if err := m.store.RevokeSession(ctx, sess.ID, m.now()); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrTokenUnknown
		}
		return nil, err
	}
	return sess, nil
}

// RevokeUser revokes every family the user owns and returns how many
// sessions were stamped.
func (m *Manager) RevokeUser(ctx context.Context, userID string) (int, error) {
	return m.store.RevokeUser(ctx, userID, m.now())
}

// RevokeFamily revokes one family directly.
func (m *Manager) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	return m.store.RevokeFamily(ctx, familyID, m.now())
}

// ActiveSessions returns the user's live sessions, one per family at
// most.
func (m *Manager) ActiveSessions(ctx context.Context, userID string) ([]*Session, error) {
	all, err := m.store.ListUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	live := make([]*Session, 0, len(all))
	for _, sess := range all {
		if sess.Live(now) {
			live = append(live, sess)
		}
	}
	return live, nil
}

// ListFamily exposes a family's rotation chain for introspection.
func (m *Manager) ListFamily(ctx context.Context, familyID string) ([]*Session, error) {
	return m.store.ListFamily(ctx, familyID)
}
