package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/neuralrank/internal/tracing"
)

// DefaultRedisPrefix namespaces state keys.
const DefaultRedisPrefix = "neuralrank:state:"

// RedisStore keeps each encoded state under a single key.
type RedisStore struct {
	client *redis.Client
	prefix string
	codec  Codec
	ttl    time.Duration
}

// RedisConfig configures a RedisStore. A zero TTL keeps keys forever.
type RedisConfig struct {
	Prefix string
	Codec  Codec
	TTL    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.Codec == nil {
		cfg.Codec = CBORCodec{}
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, codec: cfg.Codec, ttl: cfg.TTL}
}

// Key returns the Redis key used for name.
func (r *RedisStore) Key(name string) string {
	return r.prefix + name + r.codec.Extension()
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, name string) (_ *State, err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, "redis", "load", r.Key(name))
	defer func() { endSpan(err) }()

	b, err := r.client.Get(ctx, r.Key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return r.codec.Decode(b)
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, name string, s *State) (err error) {
	ctx, endSpan := tracing.StartStoreSpan(ctx, "redis", "save", r.Key(name))
	defer func() { endSpan(err) }()

	b, err := r.codec.Encode(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := r.client.Set(ctx, r.Key(name), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
