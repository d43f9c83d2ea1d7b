package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the relational layout for the Postgres backend. The unique
// index on token_hash backs GetByTokenHash; the family index backs
// family revocation.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    family_id   TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    token_hash  BYTEA NOT NULL,
    issued_at   TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    revoked_at  TIMESTAMPTZ,
    replaced_by TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_token_hash_idx ON sessions (token_hash);
CREATE INDEX IF NOT EXISTS sessions_family_id_idx ON sessions (family_id);
CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions (user_id);
`

// PostgresStore keeps the rotation chain in a relational table. The CAS
// is a conditional UPDATE plus the successor INSERT in one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the schema. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session, _ time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, family_id, user_id, token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.FamilyID, sess.UserID, sess.TokenHash[:], sess.IssuedAt, sess.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetByTokenHash(ctx context.Context, hash [32]byte) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, family_id, user_id, token_hash, issued_at, expires_at, revoked_at, replaced_by
		FROM sessions WHERE token_hash = $1`,
		hash[:],
	)
	return scanSession(row)
}

func (s *PostgresStore) Replace(ctx context.Context, presentedID string, next *Session, _ time.Duration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE sessions SET replaced_by = $1
		WHERE id = $2 AND revoked_at IS NULL AND replaced_by IS NULL`,
		next.ID, presentedID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, presentedID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if !exists {
			return ErrSessionNotFound
		}
		return ErrAlreadyReplaced
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (id, family_id, user_id, token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		next.ID, next.FamilyID, next.UserID, next.TokenHash[:], next.IssuedAt, next.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $1
		WHERE id = $2 AND revoked_at IS NULL`,
		at, sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if !exists {
			return ErrSessionNotFound
		}
	}
	return nil
}

func (s *PostgresStore) RevokeFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $1
		WHERE family_id = $2 AND revoked_at IS NULL`,
		at, familyID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) RevokeUser(ctx context.Context, userID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET revoked_at = $1
		WHERE user_id = $2 AND revoked_at IS NULL`,
		at, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ListFamily(ctx context.Context, familyID string) ([]*Session, error) {
	return s.list(ctx, `
		SELECT id, family_id, user_id, token_hash, issued_at, expires_at, revoked_at, replaced_by
		FROM sessions WHERE family_id = $1 ORDER BY issued_at`,
		familyID,
	)
}

func (s *PostgresStore) ListUser(ctx context.Context, userID string) ([]*Session, error) {
	return s.list(ctx, `
		SELECT id, family_id, user_id, token_hash, issued_at, expires_at, revoked_at, replaced_by
		FROM sessions WHERE user_id = $1 ORDER BY issued_at`,
		userID,
	)
}

func (s *PostgresStore) list(ctx context.Context, query string, arg any) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sessions, nil
}

// DeleteExpired removes sessions past their natural expiry. Intended for
// a periodic maintenance job; Redis handles this with native TTLs.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess       Session
		hash       []byte
		revokedAt  *time.Time
		replacedBy *string
	)
	err := row.Scan(&sess.ID, &sess.FamilyID, &sess.UserID, &hash,
		&sess.IssuedAt, &sess.ExpiresAt, &revokedAt, &replacedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(hash) != 32 {
		return nil, ErrSessionCorrupt
	}
	copy(sess.TokenHash[:], hash)
	sess.RevokedAt = revokedAt
	if replacedBy != nil {
		sess.ReplacedBy = *replacedBy
	}
	return &sess, nil
}
