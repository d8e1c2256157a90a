package blocker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mohammadhprp/modguard/internal/storage"
)

// DefaultPrefix namespaces block records when no prefix is given
const DefaultPrefix = "ratelimit"

// ErrInvalidDuration is returned when a block is requested for a non-positive duration
var ErrInvalidDuration = errors.New("block duration must be greater than 0")

// Manager tracks temporary blocks per identifier.
//
// State: <prefix>:blocked:<identifier> -> blockedUntil (unix micro), TTL = block duration
type Manager struct {
	store  storage.Store
	cache  *LocalCache
	prefix string
	logger *zap.Logger
	now    func() time.Time

	// coalesces concurrent cache misses for one identifier
	lookups singleflight.Group

	// resets counts Reset calls; a lookup that overlaps one does not cache
	mu     sync.Mutex
	resets uint64
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the clock used to compute block expiry
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a block manager. A nil cache gets a fresh LocalCache
// without a sweeper.
func NewManager(store storage.Store, cache *LocalCache, prefix string, logger *zap.Logger, opts ...Option) *Manager {
	if cache == nil {
		cache = NewLocalCache()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		store:  store,
		cache:  cache,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key returns the store key holding the block record for identifier
func (m *Manager) Key(identifier string) string {
	return fmt.Sprintf("%s:blocked:%s", m.prefix, identifier)
}

// IsBlocked reports whether identifier is currently blocked
func (m *Manager) IsBlocked(ctx context.Context, identifier string) (bool, error) {
	_, blocked, err := m.BlockedUntil(ctx, identifier)
	return blocked, err
}

// BlockedUntil returns when the active block on identifier ends. The local
// cache answers without I/O when it holds a live entry.
func (m *Manager) BlockedUntil(ctx context.Context, identifier string) (time.Time, bool, error) {
	if until, ok := m.cache.Get(identifier); ok {
		return until, true, nil
	}

	v, err, _ := m.lookups.Do(identifier, func() (any, error) {
		return m.fetch(ctx, identifier)
	})
	if err != nil {
		return time.Time{}, false, err
	}

	until := v.(time.Time)
	return until, !until.IsZero(), nil
}

// fetch reads the block record from the store. A zero time means not blocked.
func (m *Manager) fetch(ctx context.Context, identifier string) (time.Time, error) {
	key := m.Key(identifier)
	generation := m.resetGeneration()

	raw, err := m.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("get block: %w", err)
	}
	if raw == "" {
		return time.Time{}, nil
	}

	now := m.now()
	until, err := m.parseUntil(ctx, key, raw, now)
	if err != nil {
		return time.Time{}, err
	}

	if !now.Before(until) {
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Warn("failed to delete expired block", zap.String("key", key), zap.Error(err))
		}
		return time.Time{}, nil
	}

	m.cacheIfCurrent(identifier, until, generation)
	return until, nil
}

func (m *Manager) resetGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// cacheIfCurrent caches until unless a Reset ran since generation was read
func (m *Manager) cacheIfCurrent(identifier string, until time.Time, generation uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resets == generation {
		m.cache.Set(identifier, until)
	}
}

// parseUntil decodes a block record. Values that are not a timestamp fall
// back to the key's TTL.
func (m *Manager) parseUntil(ctx context.Context, key, raw string, now time.Time) (time.Time, error) {
	micros, err := strconv.ParseInt(raw, 10, 64)
	if err == nil {
		return time.UnixMicro(micros), nil
	}

	ttl, ok, err := m.store.TTL(ctx, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("get block ttl: %w", err)
	}
	if !ok {
		m.logger.Warn("block record without expiry, ignoring", zap.String("key", key), zap.String("value", raw))
		return now, nil
	}
	return now.Add(ttl), nil
}

// Block blocks identifier for d starting now. Blocking an already blocked
// identifier replaces its expiry with now+d.
func (m *Manager) Block(ctx context.Context, identifier string, d time.Duration) (time.Time, error) {
	if d <= 0 {
		return time.Time{}, ErrInvalidDuration
	}

	until := m.now().Add(d)
	if err := m.store.Set(ctx, m.Key(identifier), strconv.FormatInt(until.UnixMicro(), 10), d); err != nil {
		return time.Time{}, fmt.Errorf("set block: %w", err)
	}
	m.cache.Set(identifier, until)

	m.logger.Info("identifier blocked",
		zap.String("identifier", identifier),
		zap.Time("until", until),
	)
	return until, nil
}

// Reset removes any block on identifier, locally and in the store
func (m *Manager) Reset(ctx context.Context, identifier string) error {
	err := m.store.Delete(ctx, m.Key(identifier))

	m.mu.Lock()
	m.resets++
	m.cache.Delete(identifier)
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	return nil
}
