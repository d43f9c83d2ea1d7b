package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	replaceStatusNotFound int64 = 0
	replaceStatusRevoked  int64 = 1
	replaceStatusReplaced int64 = 2
	replaceStatusOK       int64 = 3
)

// replaceScript is the rotation CAS. It re-checks under the Redis
// execution lock that the presented session is still the live link,
// stamps it with the successor id, and writes the successor in the same
// atomic step. Concurrent rotations of one token therefore produce
// exactly one status-3 result.
const replaceScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local sess = cjson.decode(data)
if sess.revoked_at then
  return {1}
end
if sess.replaced_by and sess.replaced_by ~= "" then
  return {2}
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return {0}
end
sess.replaced_by = ARGV[1]
redis.call("SET", KEYS[1], cjson.encode(sess), "PX", ttl)
redis.call("SET", KEYS[2], ARGV[2], "PX", tonumber(ARGV[3]))
redis.call("SET", KEYS[3], ARGV[1], "PX", tonumber(ARGV[3]))
redis.call("SADD", KEYS[4], ARGV[1])
redis.call("PEXPIRE", KEYS[4], tonumber(ARGV[3]))
redis.call("SADD", KEYS[5], ARGV[1])
redis.call("PEXPIRE", KEYS[5], tonumber(ARGV[3]))
return {3}
`

var replaceLua = redis.NewScript(replaceScript)

// revokeSetScript stamps revoked_at on every decodable, unrevoked
// session listed in a membership set. KEYS[1] is the set, ARGV[1] the
// session key prefix, ARGV[2] the revocation timestamp.
const revokeSetScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local stamped = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local data = redis.call("GET", key)
  if data then
    local sess = cjson.decode(data)
    if not sess.revoked_at then
      local ttl = redis.call("PTTL", key)
      if ttl > 0 then
        sess.revoked_at = tonumber(ARGV[2])
        redis.call("SET", key, cjson.encode(sess), "PX", ttl)
        stamped = stamped + 1
      end
    end
  end
end
return stamped
`

var revokeSetLua = redis.NewScript(revokeSetScript)

// revokeSessionScript stamps revoked_at on a single session under the
// same conditional rules as the set variant. 0 means no such session,
// 1 already revoked, 2 stamped.
const revokeSessionScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return 0
end
local sess = cjson.decode(data)
if sess.revoked_at then
  return 1
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 0
end
sess.revoked_at = tonumber(ARGV[1])
redis.call("SET", KEYS[1], cjson.encode(sess), "PX", ttl)
return 2
`

var revokeSessionLua = redis.NewScript(revokeSessionScript)

// RedisStore keeps sessions as JSON blobs with native TTL, a hash index
// for token lookup, and membership sets per family and per user.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kg"
	}
	return &RedisStore{redis: client, prefix: prefix}
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + ":s:" + id }
func (s *RedisStore) familyKey(id string) string  { return s.prefix + ":f:" + id }
func (s *RedisStore) userKey(id string) string    { return s.prefix + ":u:" + id }

func (s *RedisStore) hashKey(hash [32]byte) string {
	return s.prefix + ":h:" + base64.RawURLEncoding.EncodeToString(hash[:])
}

func (s *RedisStore) Create(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(sess.ID), data, ttl)
		pipe.Set(ctx, s.hashKey(sess.TokenHash), sess.ID, ttl)
		pipe.SAdd(ctx, s.familyKey(sess.FamilyID), sess.ID)
		pipe.Expire(ctx, s.familyKey(sess.FamilyID), ttl)
		pipe.SAdd(ctx, s.userKey(sess.UserID), sess.ID)
		pipe.Expire(ctx, s.userKey(sess.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) GetByTokenHash(ctx context.Context, hash [32]byte) (*Session, error) {
	id, err := s.redis.Get(ctx, s.hashKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	data, err := s.redis.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Decode(data)
}

func (s *RedisStore) Replace(ctx context.Context, presentedID string, next *Session, ttl time.Duration) error {
	nextBlob, err := Encode(next)
	if err != nil {
		return err
	}

	keys := []string{
		s.sessionKey(presentedID),
		s.sessionKey(next.ID),
		s.hashKey(next.TokenHash),
		s.familyKey(next.FamilyID),
		s.userKey(next.UserID),
	}
	result, err := replaceLua.Run(ctx, s.redis, keys,
		next.ID, nextBlob, ttl.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return fmt.Errorf("%w: invalid replace script response", ErrStoreUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return fmt.Errorf("%w: invalid replace script status", ErrStoreUnavailable)
	}

	switch code {
	case replaceStatusNotFound:
		return ErrSessionNotFound
	case replaceStatusRevoked, replaceStatusReplaced:
		return ErrAlreadyReplaced
	case replaceStatusOK:
		return nil
	default:
		return fmt.Errorf("%w: unknown replace script status", ErrStoreUnavailable)
	}
}

func (s *RedisStore) RevokeSession(ctx context.Context, sessionID string, at time.Time) error {
	code, err := revokeSessionLua.Run(ctx, s.redis,
		[]string{s.sessionKey(sessionID)}, at.Unix(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if code == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) RevokeFamily(ctx context.Context, familyID string, at time.Time) (int, error) {
	return s.revokeSet(ctx, s.familyKey(familyID), at)
}

func (s *RedisStore) RevokeUser(ctx context.Context, userID string, at time.Time) (int, error) {
	return s.revokeSet(ctx, s.userKey(userID), at)
}

func (s *RedisStore) revokeSet(ctx context.Context, setKey string, at time.Time) (int, error) {
	stamped, err := revokeSetLua.Run(ctx, s.redis,
		[]string{setKey},
		s.prefix+":s:", at.Unix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return stamped, nil
}

func (s *RedisStore) ListFamily(ctx context.Context, familyID string) ([]*Session, error) {
	return s.listSet(ctx, s.familyKey(familyID))
}

func (s *RedisStore) ListUser(ctx context.Context, userID string) ([]*Session, error) {
	return s.listSet(ctx, s.userKey(userID))
}

func (s *RedisStore) listSet(ctx context.Context, setKey string) ([]*Session, error) {
	ids, err := s.redis.SMembers(ctx, setKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	for _, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, cmdErr)
		}
		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Ping reports Redis availability and round-trip latency.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}
