package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore implements Store interface using in-memory storage. It is
// process-local and therefore only suitable for a single worker or for tests.
type MemoryStore struct {
	mu         sync.RWMutex
	data       map[string]*StorageValue
	hashes     map[string]*Hash
	sortedSets map[string]*SortedSet
	now        func() time.Time
	stopChan   chan struct{}
	closeOnce  sync.Once
}

// StorageValue represents a value with expiration
type StorageValue struct {
	value      string
	expiration time.Time
}

// Hash represents a hash data structure
type Hash struct {
	fields     map[string]string
	expiration time.Time
}

// SortedSet represents a sorted set data structure
type SortedSet struct {
	members    map[string]float64 // member -> score
	expiration time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces time.Now as the source of time for expirations.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(ms *MemoryStore) {
		ms.now = now
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	ms := &MemoryStore{
		data:       make(map[string]*StorageValue),
		hashes:     make(map[string]*Hash),
		sortedSets: make(map[string]*SortedSet),
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ms)
	}

	// Start a goroutine to clean up expired keys
	go ms.cleanupExpiredKeys()

	return ms
}

// cleanupExpiredKeys periodically removes expired keys
func (ms *MemoryStore) cleanupExpiredKeys() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.removeExpiredKeys()
		case <-ms.stopChan:
			return
		}
	}
}

// removeExpiredKeys removes all expired keys from storage
func (ms *MemoryStore) removeExpiredKeys() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	for key, val := range ms.data {
		if expired(val.expiration, now) {
			delete(ms.data, key)
		}
	}
	for key, h := range ms.hashes {
		if expired(h.expiration, now) {
			delete(ms.hashes, key)
		}
	}
	for key, zset := range ms.sortedSets {
		if expired(zset.expiration, now) {
			delete(ms.sortedSets, key)
		}
	}
}

func expired(expiration, now time.Time) bool {
	return !expiration.IsZero() && !expiration.After(now)
}

func (ms *MemoryStore) expiresAt(expiration time.Duration) time.Time {
	if expiration <= 0 {
		return time.Time{}
	}
	return ms.now().Add(expiration)
}

// value, hash and zset return live entries only; callers hold the lock.
func (ms *MemoryStore) value(key string) (*StorageValue, bool) {
	val, ok := ms.data[key]
	if !ok || expired(val.expiration, ms.now()) {
		return nil, false
	}
	return val, true
}

func (ms *MemoryStore) hash(key string) (*Hash, bool) {
	h, ok := ms.hashes[key]
	if !ok || expired(h.expiration, ms.now()) {
		return nil, false
	}
	return h, true
}

func (ms *MemoryStore) zset(key string) (*SortedSet, bool) {
	zset, ok := ms.sortedSets[key]
	if !ok || expired(zset.expiration, ms.now()) {
		return nil, false
	}
	return zset, true
}

// Get retrieves the current value for the given key
func (ms *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable("get", err)
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	val, ok := ms.value(key)
	if !ok {
		return "", nil
	}
	return val.value, nil
}

// Set sets the value for the given key with expiration
func (ms *MemoryStore) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("set", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.data[key] = &StorageValue{
		value:      value,
		expiration: ms.expiresAt(expiration),
	}
	return nil
}

// Delete removes the keys from storage
func (ms *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, key := range keys {
		delete(ms.data, key)
		delete(ms.hashes, key)
		delete(ms.sortedSets, key)
	}
	return nil
}

// Increment increments the counter for the given key
func (ms *MemoryStore) Increment(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("increment", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var newVal int64 = 1
	if val, ok := ms.value(key); ok {
		current, err := strconv.ParseInt(val.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %s is not an integer", key)
		}
		newVal = current + 1
	}

	ms.data[key] = &StorageValue{
		value:      strconv.FormatInt(newVal, 10),
		expiration: ms.expiresAt(expiration),
	}
	return newVal, nil
}

// Expire sets expiration for a key
func (ms *MemoryStore) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("expire", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	at := ms.expiresAt(expiration)
	if val, ok := ms.value(key); ok {
		val.expiration = at
	}
	if h, ok := ms.hash(key); ok {
		h.expiration = at
	}
	if zset, ok := ms.zset(key); ok {
		zset.expiration = at
	}
	return nil
}

// TTL returns the remaining time to live of a key
func (ms *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, unavailable("ttl", err)
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var expiration time.Time
	if val, ok := ms.value(key); ok {
		expiration = val.expiration
	} else if h, ok := ms.hash(key); ok {
		expiration = h.expiration
	} else if zset, ok := ms.zset(key); ok {
		expiration = zset.expiration
	}
	if expiration.IsZero() {
		return 0, false, nil
	}
	return expiration.Sub(ms.now()), true, nil
}

// HGetAll returns every field of a hash
func (ms *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("hgetall", err)
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	fields := make(map[string]string)
	if h, ok := ms.hash(key); ok {
		for field, value := range h.fields {
			fields[field] = value
		}
	}
	return fields, nil
}

// HSet writes hash fields and refreshes the key's expiration
func (ms *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("hset", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	h, ok := ms.hash(key)
	if !ok {
		h = &Hash{fields: make(map[string]string)}
		ms.hashes[key] = h
	}
	for field, value := range fields {
		h.fields[field] = value
	}
	h.expiration = ms.expiresAt(expiration)
	return nil
}

// ZAdd adds a member with score to a sorted set
func (ms *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable("zadd", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	zset, ok := ms.zset(key)
	if !ok {
		zset = &SortedSet{
			members: make(map[string]float64),
		}
		ms.sortedSets[key] = zset
	}

	zset.members[member] = score
	zset.expiration = ms.expiresAt(expiration)
	return nil
}

// ZRem removes a member from a sorted set
func (ms *MemoryStore) ZRem(ctx context.Context, key string, member string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("zrem", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if zset, ok := ms.zset(key); ok {
		delete(zset.members, member)
		ms.dropEmpty(key, zset)
	}
	return nil
}

// ZRemRangeByScore removes members with scores in the given range
func (ms *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if err := ctx.Err(); err != nil {
		return unavailable("zremrangebyscore", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	zset, ok := ms.zset(key)
	if !ok {
		return nil
	}
	for member, score := range zset.members {
		if score >= min && score <= max {
			delete(zset.members, member)
		}
	}
	ms.dropEmpty(key, zset)
	return nil
}

// ZRemRangeByRank removes members ranked in the given range
func (ms *MemoryStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	if err := ctx.Err(); err != nil {
		return unavailable("zremrangebyrank", err)
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	zset, ok := ms.zset(key)
	if !ok {
		return nil
	}
	for _, m := range rankRange(zset.sorted(), start, stop) {
		delete(zset.members, m.Member)
	}
	ms.dropEmpty(key, zset)
	return nil
}

// ZCard returns the number of members in a sorted set
func (ms *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("zcard", err)
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	zset, ok := ms.zset(key)
	if !ok {
		return 0, nil
	}
	return int64(len(zset.members)), nil
}

// ZCount counts members with scores in the given range
func (ms *MemoryStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("zcount", err)
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	zset, ok := ms.zset(key)
	if !ok {
		return 0, nil
	}

	count := int64(0)
	for _, score := range zset.members {
		if score >= min && score <= max {
			count++
		}
	}
	return count, nil
}

// ZRangeWithScores returns members ranked in [start, stop] by ascending score
func (ms *MemoryStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("zrange", err)
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	zset, ok := ms.zset(key)
	if !ok {
		return []ZMember{}, nil
	}
	return rankRange(zset.sorted(), start, stop), nil
}

// Ping checks if the storage is accessible
func (ms *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close stops the cleanup goroutine
func (ms *MemoryStore) Close() error {
	ms.closeOnce.Do(func() {
		close(ms.stopChan)
	})
	return nil
}

func (ms *MemoryStore) dropEmpty(key string, zset *SortedSet) {
	if len(zset.members) == 0 {
		delete(ms.sortedSets, key)
	}
}

// sorted orders members by score, then member, like Redis does
func (z *SortedSet) sorted() []ZMember {
	members := make([]ZMember, 0, len(z.members))
	for member, score := range z.members {
		members = append(members, ZMember{Member: member, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members
}

func rankRange(members []ZMember, start, stop int64) []ZMember {
	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []ZMember{}
	}
	return members[start : stop+1]
}
