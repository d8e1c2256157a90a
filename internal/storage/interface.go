package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is wrapped by every backend failure that is not a missing key.
var ErrUnavailable = errors.New("store unavailable")

// ZMember is a sorted set member together with its score.
type ZMember struct {
	Member string
	Score  float64
}

// Store defines the interface for the shared key-value store used by the
// rate limiter. Missing keys are never reported as errors.
type Store interface {
	// Get retrieves the string value for the given key, "" when absent
	Get(ctx context.Context, key string) (string, error)

	// Set sets the value for the given key with expiration (0 means no expiration)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// Delete removes the keys from storage
	Delete(ctx context.Context, keys ...string) error

	// Increment atomically increments the counter and refreshes its expiration
	Increment(ctx context.Context, key string, expiration time.Duration) (int64, error)

	// Expire sets expiration for a key
	Expire(ctx context.Context, key string, expiration time.Duration) error

	// TTL returns the remaining time to live; ok is false when the key is
	// absent or has no expiration
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// HGetAll returns every field of a hash, empty when absent
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet writes hash fields and refreshes the key's expiration
	HSet(ctx context.Context, key string, fields map[string]string, expiration time.Duration) error

	// ZAdd adds a member with score to a sorted set and refreshes its expiration
	ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) error

	// ZRem removes a member from a sorted set
	ZRem(ctx context.Context, key string, member string) error

	// ZRemRangeByScore removes members with scores in [min, max]
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZRemRangeByRank removes members ranked in [start, stop] (negative
	// indexes count from the highest score)
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	// ZCard returns the number of members in a sorted set
	ZCard(ctx context.Context, key string) (int64, error)

	// ZCount counts members with scores in [min, max]
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// ZRangeWithScores returns members ranked in [start, stop] by ascending score
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)

	// Ping checks if the storage is accessible
	Ping(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}
