package session

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Session is one link in a family's rotation chain. Exactly one session
// per family has neither RevokedAt nor ReplacedBy set; presenting the
// token of any other link is either reuse or a revoked family.
type Session struct {
	ID         string
	FamilyID   string
	UserID     string
	TokenHash  [32]byte
	IssuedAt   time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy string
}

// Live reports whether the session is the family's active link.
func (s *Session) Live(now time.Time) bool {
	return s.RevokedAt == nil && s.ReplacedBy == "" && now.Before(s.ExpiresAt)
}

type sessionBlob struct {
	ID         string `json:"id"`
	FamilyID   string `json:"family_id"`
	UserID     string `json:"user_id"`
	TokenHash  string `json:"token_hash"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	RevokedAt  int64  `json:"revoked_at,omitempty"`
	ReplacedBy string `json:"replaced_by,omitempty"`
}

// Encode serializes a session to the JSON blob stored in Redis.
func Encode(s *Session) ([]byte, error) {
	blob := sessionBlob{
		ID:         s.ID,
		FamilyID:   s.FamilyID,
		UserID:     s.UserID,
		TokenHash:  base64.RawStdEncoding.EncodeToString(s.TokenHash[:]),
		IssuedAt:   s.IssuedAt.Unix(),
		ExpiresAt:  s.ExpiresAt.Unix(),
		ReplacedBy: s.ReplacedBy,
	}
	if s.RevokedAt != nil {
		blob.RevokedAt = s.RevokedAt.Unix()
	}
	return json.Marshal(blob)
}

// Decode deserializes a Redis session blob.
func Decode(data []byte) (*Session, error) {
	var blob sessionBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, ErrSessionCorrupt
	}

	hash, err := base64.RawStdEncoding.DecodeString(blob.TokenHash)
	if err != nil || len(hash) != 32 {
		return nil, ErrSessionCorrupt
	}

	s := &Session{
		ID:         blob.ID,
		FamilyID:   blob.FamilyID,
		UserID:     blob.UserID,
		IssuedAt:   time.Unix(blob.IssuedAt, 0),
		ExpiresAt:  time.Unix(blob.ExpiresAt, 0),
		ReplacedBy: blob.ReplacedBy,
	}
	copy(s.TokenHash[:], hash)
	if blob.RevokedAt != 0 {
		t := time.Unix(blob.RevokedAt, 0)
		s.RevokedAt = &t
	}
	return s, nil
}
