package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HandshakeStore persists in-flight handshakes. Consume must be atomic:
// of N concurrent callbacks for one correlation id, exactly one observes
// the unconsumed record.
type HandshakeStore interface {
	// Save persists a fresh handshake under its correlation id with the
	// given lifetime.
	Save(ctx context.Context, h *Handshake, ttl time.Duration) error

	// Load reads a handshake without consuming it.
	Load(ctx context.Context, correlationID string) (*Handshake, error)

	// Consume atomically stamps the handshake consumed and returns it.
	// An already-consumed record yields ErrCodeReplayed; the record is
	// retained briefly so duplicates classify as replay rather than as
	// a missing handshake.
	Consume(ctx context.Context, correlationID string) (*Handshake, error)
}

const (
	consumeStatusNotFound int64 = 0
	consumeStatusReplayed int64 = 1
	consumeStatusOK       int64 = 2
)

const consumeScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local hs = cjson.decode(data)
if hs.consumed_at then
  return {1}
end
hs.consumed_at = tonumber(ARGV[1])
local updated = cjson.encode(hs)
redis.call("SET", KEYS[1], updated, "PX", tonumber(ARGV[2]))
return {2, updated}
`

var consumeLua = redis.NewScript(consumeScript)

// RedisHandshakeStore keeps handshakes as JSON blobs under native TTL.
// Consumed records linger for a short grace period so a duplicate
// callback is told "replayed" instead of "missing".
type RedisHandshakeStore struct {
	redis  redis.UniversalClient
	prefix string
	grace  time.Duration
	now    func() time.Time
}

func NewRedisHandshakeStore(client redis.UniversalClient, prefix string, grace time.Duration) *RedisHandshakeStore {
	if prefix == "" {
		prefix = "kg"
	}
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &RedisHandshakeStore{
		redis:  client,
		prefix: prefix,
		grace:  grace,
		now:    time.Now,
	}
}

func (s *RedisHandshakeStore) key(correlationID string) string {
	return s.prefix + ":hs:" + correlationID
}

func (s *RedisHandshakeStore) Save(ctx context.Context, h *Handshake, ttl time.Duration) error {
	data, err := encodeHandshake(h)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(h.CorrelationID), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeStoreUnavailable, err)
	}
	return nil
}

func (s *RedisHandshakeStore) Load(ctx context.Context, correlationID string) (*Handshake, error) {
	data, err := s.redis.Get(ctx, s.key(correlationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrHandshakeMissing
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshakeStoreUnavailable, err)
	}
	return decodeHandshake(data)
}

func (s *RedisHandshakeStore) Consume(ctx context.Context, correlationID string) (*Handshake, error) {
	result, err := consumeLua.Run(ctx, s.redis,
		[]string{s.key(correlationID)},
		s.now().Unix(), s.grace.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeStoreUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid consume script response", ErrHandshakeStoreUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid consume script status", ErrHandshakeStoreUnavailable)
	}

	switch code {
	case consumeStatusNotFound:
		return nil, ErrHandshakeMissing
	case consumeStatusReplayed:
		return nil, ErrCodeReplayed
	case consumeStatusOK:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing consumed handshake payload", ErrHandshakeStoreUnavailable)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid consumed handshake payload", ErrHandshakeStoreUnavailable)
		}
		return decodeHandshake(blob)
	default:
		return nil, fmt.Errorf("%w: unknown consume script status", ErrHandshakeStoreUnavailable)
	}
}
