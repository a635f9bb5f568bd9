package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "petcare:registration:"

// releaseScript deletes the key only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOption configures a Redis ledger.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces ledger keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// Redis is a ledger shared through a Redis server. Markers expire on the
// server, so a crashed registration cannot suppress resolution for longer
// than the TTL.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis returns a ledger using client. The client lifecycle is managed by
// the caller.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Hold implements account.RegistrationLedger.
func (r *Redis) Hold(ctx context.Context, email string) (string, error) {
	token := uuid.NewString()
	if err := r.client.Set(ctx, r.prefix+key(email), token, r.ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// Pending implements account.RegistrationLedger.
func (r *Redis) Pending(ctx context.Context, email string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key(email)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Release implements account.RegistrationLedger.
func (r *Redis) Release(ctx context.Context, email, token string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.prefix + key(email)}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Reset deletes every key under the ledger prefix.
func (r *Redis) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
