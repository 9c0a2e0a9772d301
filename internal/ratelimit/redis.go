package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// RedisStore keeps records in Redis hashes shared by every process. Each key
// expires ttl after its last write, which takes the place of the in-memory
// sweep.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

// Get retrieves the record for key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, keyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get rate limit record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	count, err := strconv.Atoi(fields["count"])
	if err != nil {
		return nil, fmt.Errorf("decode rate limit count: %w", err)
	}
	lastMillis, err := strconv.ParseInt(fields["last_attempt"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode rate limit last attempt: %w", err)
	}
	mult, err := strconv.ParseFloat(fields["backoff_multiplier"], 64)
	if err != nil {
		return nil, fmt.Errorf("decode rate limit multiplier: %w", err)
	}

	return &Record{
		Count:             count,
		LastAttempt:       time.UnixMilli(lastMillis),
		BackoffMultiplier: mult,
	}, nil
}

// Set writes the record and refreshes its expiry.
func (s *RedisStore) Set(ctx context.Context, key string, rec Record) error {
	k := keyPrefix + key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k,
			"count", rec.Count,
			"last_attempt", rec.LastAttempt.UnixMilli(),
			"backoff_multiplier", strconv.FormatFloat(rec.BackoffMultiplier, 'f', -1, 64),
		)
		pipe.PExpire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set rate limit record: %w", err)
	}
	return nil
}

// Delete removes the record for key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del rate limit record: %w", err)
	}
	return nil
}
