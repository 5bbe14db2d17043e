package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is returned when the Redis server cannot be reached.
var ErrRedisUnavailable = errors.New("redis unavailable")

// RedisBackend stores entries as plain Redis strings under a key prefix, so
// several clients on different hosts can share one session.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	owned  bool
}

// DialRedisBackend connects to addr and pings it.
func DialRedisBackend(ctx context.Context, addr, prefix string) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	b := NewRedisBackend(rdb, prefix)
	b.owned = true
	return b, nil
}

// NewRedisBackend wraps an existing client; Close leaves it open.
func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "tenantctl"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (b *RedisBackend) key(k string) string {
	return b.prefix + ":" + k
}

// Get implements Backend. MGET reads every key in one atomic command.
func (b *RedisBackend) Get(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.key(k)
	}
	vals, err := b.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: mget: %v", ErrRedisUnavailable, err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

// Set implements Backend.
func (b *RedisBackend) Set(ctx context.Context, values map[string]string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, b.key(k), v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: set: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.key(k)
	}
	if err := b.rdb.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.rdb.Close()
}
