package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisRateLimitPrefix namespaces rate limit counters in Redis.
const DefaultRedisRateLimitPrefix = "rankd:ratelimit:"

// RedisRateLimitStore implements RateLimitStore with a fixed window counter
// shared between server replicas. When Redis is unreachable it fails open:
// the request is allowed and the error is counted.
type RedisRateLimitStore struct {
	client  *redis.Client
	prefix  string
	metrics *Metrics
	logger  *slog.Logger
}

// RedisRateLimitOption configures a RedisRateLimitStore.
type RedisRateLimitOption func(*RedisRateLimitStore)

// WithRedisPrefix overrides DefaultRedisRateLimitPrefix.
func WithRedisPrefix(prefix string) RedisRateLimitOption {
	return func(s *RedisRateLimitStore) { s.prefix = prefix }
}

// WithRedisMetrics counts fail-open events.
func WithRedisMetrics(m *Metrics) RedisRateLimitOption {
	return func(s *RedisRateLimitStore) { s.metrics = m }
}

// WithRedisLogger logs fail-open events.
func WithRedisLogger(l *slog.Logger) RedisRateLimitOption {
	return func(s *RedisRateLimitStore) { s.logger = l }
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client, opts ...RedisRateLimitOption) *RedisRateLimitStore {
	s := &RedisRateLimitStore{
		client: client,
		prefix: DefaultRedisRateLimitPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	allowed, _, retryAfter := s.Check(ctx, key, config)
	return allowed, retryAfter
}

// Check counts one request against key and reports whether it is allowed,
// how many requests remain in the window and, when blocked, the seconds
// until the window resets.
func (s *RedisRateLimitStore) Check(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining, retryAfter int) {
	k := s.prefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	// NX keeps the window anchored at the first request.
	pipe.Do(ctx, "PEXPIRE", k, config.WindowDuration.Milliseconds(), "NX")
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		s.metrics.IncRateLimitRedisErrors()
		s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request",
			slog.String("error", err.Error()))
		return true, config.RequestsPerWindow, 0
	}

	count := int(incr.Val())
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}

	wait := ttl.Val()
	if wait <= 0 {
		wait = config.WindowDuration
	}
	retryAfter = int((wait + time.Second - 1) / time.Second)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}
