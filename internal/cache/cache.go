package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"croanalyzer/internal/metrics"
)

// DefaultTTL is how long an analysis stays cached.
const DefaultTTL = 24 * time.Hour

// Store maps fingerprints to encoded AnalysisResult values. Implementations
// never return backend errors: an unreachable backend reads as a miss and
// writes become no-ops.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string) bool
	// Purge removes every cached analysis and returns how many were deleted.
	Purge(ctx context.Context) int
	Health(ctx context.Context) bool
}

// Disabled is the Store used when no cache backend is configured.
type Disabled struct{}

func (Disabled) Get(context.Context, string) ([]byte, bool)         { return nil, false }
func (Disabled) Set(context.Context, string, []byte, time.Duration) {}
func (Disabled) Delete(context.Context, string) bool                { return false }
func (Disabled) Purge(context.Context) int                          { return 0 }
func (Disabled) Health(context.Context) bool                        { return false }

// RedisStore keeps analyses in Redis with a per-key TTL.
type RedisStore struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl, logger: logger}
}

func (s *RedisStore) unavailable(op string, err error) {
	metrics.RecordCache("error")
	if s.logger != nil {
		s.logger.Warn("cache_unavailable", "op", op, "error", err, "cache_unavailable", true)
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		metrics.RecordCache("miss")
		return nil, false
	}
	if err != nil {
		s.unavailable("get", err)
		return nil, false
	}
	metrics.RecordCache("hit")
	return val, true
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		s.unavailable("set", err)
		return
	}
	metrics.RecordCache("write")
}

func (s *RedisStore) Delete(ctx context.Context, key string) bool {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		s.unavailable("delete", err)
		return false
	}
	return n > 0
}

func (s *RedisStore) Purge(ctx context.Context) int {
	deleted := 0
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	batch := make([]string, 0, 200)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n, err := s.rdb.Del(ctx, batch...).Result()
		if err != nil {
			s.unavailable("purge", err)
			return false
		}
		deleted += int(n)
		batch = batch[:0]
		return true
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) && !flush() {
			return deleted
		}
	}
	if err := iter.Err(); err != nil {
		s.unavailable("purge", err)
		return deleted
	}
	flush()
	return deleted
}

func (s *RedisStore) Health(ctx context.Context) bool {
	return s.rdb.Ping(ctx).Err() == nil
}
