package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store interface using Redis
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithOperationTimeout bounds every call issued to Redis. Calls whose context
// already carries an earlier deadline keep it.
func WithOperationTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.opTimeout = d
	}
}

// NewRedisStore creates a Redis store on top of a shared client. The client
// owns the connection pool; create it once per process.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= s.opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Get retrieves the value for the given key
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("get", err)
	}
	return val, nil
}

// Set sets the value for the given key with expiration
func (s *RedisStore) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// Delete removes the keys from storage
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Increment increments the counter for the given key
func (s *RedisStore) Increment(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("increment", err)
	}

	return incr.Val(), nil
}

// Expire sets expiration for a key
func (s *RedisStore) Expire(ctx context.Context, key string, expiration time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Expire(ctx, key, expiration).Err(); err != nil {
		return unavailable("expire", err)
	}
	return nil
}

// TTL returns the remaining time to live of a key
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, unavailable("ttl", err)
	}
	// -1 and -2 signal "no expiration" and "no such key"
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

// HGetAll returns every field of a hash
func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable("hgetall", err)
	}
	return fields, nil
}

// HSet writes hash fields and refreshes the key's expiration
func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string, expiration time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	values := make([]interface{}, 0, 2*len(fields))
	for field, value := range fields {
		values = append(values, field, value)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, values...)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("hset", err)
	}
	return nil
}

// ZAdd adds a member with score to a sorted set
func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  score,
		Member: member,
	})
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("zadd", err)
	}
	return nil
}

// ZRem removes a member from a sorted set
func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.ZRem(ctx, key, member).Err(); err != nil {
		return unavailable("zrem", err)
	}
	return nil
}

// ZRemRangeByScore removes members with scores in the given range
func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err(); err != nil {
		return unavailable("zremrangebyscore", err)
	}
	return nil
}

// ZRemRangeByRank removes members ranked in the given range
func (s *RedisStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.ZRemRangeByRank(ctx, key, start, stop).Err(); err != nil {
		return unavailable("zremrangebyrank", err)
	}
	return nil
}

// ZCard returns the number of members in a sorted set
func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("zcard", err)
	}
	return count, nil
}

// ZCount counts members with scores in the given range
func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	count, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, unavailable("zcount", err)
	}
	return count, nil
}

// ZRangeWithScores returns members ranked in [start, stop] by ascending score
func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	zs, err := s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, unavailable("zrange", err)
	}

	members := make([]ZMember, 0, len(zs))
	for _, z := range zs {
		members = append(members, ZMember{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return members, nil
}

// Ping checks if the storage is accessible
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the storage connection
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

// Client returns the underlying Redis client
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func formatScore(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
