package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"croanalyzer/internal/model"
)

const (
	taskKeyPrefix = "task:"
	readyKey      = "queue:analysis:ready"
	delayedKey    = "queue:analysis:delayed"
	processingKey = "queue:analysis:processing"
	claimsKey     = "queue:analysis:claims"

	// maxTxRetries bounds optimistic-lock retries in Update.
	maxTxRetries = 16
)

func taskKey(id string) string { return taskKeyPrefix + id }

// RedisStore keeps task records as JSON strings with a TTL and implements
// the work queue as a list of ready ids plus a sorted set of delayed ids.
// Dequeued ids sit on a processing list, with their claim time in a sorted
// set, until they are acked.
type RedisStore struct {
	rdb          redis.UniversalClient
	ttl          time.Duration
	claimTimeout time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl, claimTimeout: DefaultClaimTimeout}
}

// WithClaimTimeout sets how long a dequeued id may stay unacked before
// PromoteDue hands it out again.
func (s *RedisStore) WithClaimTimeout(d time.Duration) *RedisStore {
	if d > 0 {
		s.claimTimeout = d
	}
	return s
}

func (s *RedisStore) Create(ctx context.Context, t *model.AnalysisTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, taskKey(t.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if !ok {
		return fmt.Errorf("create task: id %s already exists", t.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.AnalysisTask, error) {
	data, err := s.rdb.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t model.AnalysisTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn func(*model.AnalysisTask) error) (*model.AnalysisTask, error) {
	key := taskKey(id)
	var out *model.AnalysisTask

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t model.AnalysisTask
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}
		if err := fn(&t); err != nil {
			return err
		}
		enc, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, s.ttl)
			return nil
		})
		if err == nil {
			out = &t
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("update task %s: too many concurrent writers", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Del(ctx, taskKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Enqueue(ctx context.Context, id string) error {
	return s.rdb.LPush(ctx, readyKey, id).Err()
}

func (s *RedisStore) EnqueueAt(ctx context.Context, id string, at time.Time) error {
	return s.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: float64(at.UnixMilli()), Member: id}).Err()
}

func (s *RedisStore) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	if wait < time.Second {
		// Blocking timeouts below a second are rounded by some servers.
		wait = time.Second
	}
	id, err := s.rdb.BLMove(ctx, readyKey, processingKey, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// A failed claim leaves the id unclocked; PromoteDue starts its clock.
	claim := redis.Z{Score: float64(time.Now().UnixMilli()), Member: id}
	_ = s.rdb.ZAdd(ctx, claimsKey, claim).Err()
	return id, nil
}

func (s *RedisStore) Ack(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, id)
	pipe.ZRem(ctx, claimsKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDue moves delayed ids whose time has come onto the ready list and
// hands back ids whose claim is older than the claim timeout. Only the
// caller whose ZREM succeeds pushes an id, so concurrent workers never
// promote the same entry twice.
func (s *RedisStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	promoted, err := s.promote(ctx, delayedKey, now, nil)
	if err != nil {
		return promoted, err
	}
	if err := s.clockOrphans(ctx, now); err != nil {
		return promoted, err
	}
	reclaimed, err := s.promote(ctx, claimsKey, now.Add(-s.claimTimeout), func(id string) (bool, error) {
		n, err := s.rdb.LRem(ctx, processingKey, 1, id).Result()
		return n > 0, err
	})
	return promoted + reclaimed, err
}

// promote pushes every member of the sorted set key scored at or before
// until back onto the ready list. take runs once the member is owned and
// may veto the push.
func (s *RedisStore) promote(ctx context.Context, key string, until time.Time, take func(id string) (bool, error)) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(until.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		removed, err := s.rdb.ZRem(ctx, key, id).Result()
		if err != nil {
			return n, err
		}
		if removed == 0 {
			continue
		}
		if take != nil {
			ok, err := take(id)
			if err != nil {
				return n, err
			}
			if !ok {
				continue
			}
		}
		if err := s.rdb.LPush(ctx, readyKey, id).Err(); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// clockOrphans gives processing entries without a claim time one, so ids
// whose worker died between the move and the claim still expire.
func (s *RedisStore) clockOrphans(ctx context.Context, now time.Time) error {
	ids, err := s.rdb.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		claim := redis.Z{Score: float64(now.UnixMilli()), Member: id}
		if err := s.rdb.ZAddNX(ctx, claimsKey, claim).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) Depth(ctx context.Context) (int64, int64, error) {
	ready, err := s.rdb.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, 0, err
	}
	delayed, err := s.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return ready, 0, err
	}
	return ready, delayed, nil
}
