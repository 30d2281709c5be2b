// Package coordstore implements the coordination store used by the
// worker-ID allocator: a Redis-backed create-if-absent lease primitive,
// grounded on the same go-redis client idiom the engine reuses for the L3
// cache tier, plus a three-state health monitor and local file cache that
// keep worker-ID leases alive across brief Redis outages.
package coordstore

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nebulaid/idengine/errs"
)

// CoordinationStore is the lease protocol the worker-ID allocator drives.
type CoordinationStore interface {
	// TryClaim attempts a create-if-absent write of value at key with the
	// given TTL, returning true iff this call created the key.
	TryClaim(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Renew extends key's TTL; it does not verify ownership, matching the
	// lease model where only the holder is expected to call it.
	Renew(ctx context.Context, key string, ttl time.Duration) error
	// Release deletes key, ending the lease immediately.
	Release(ctx context.Context, key string) error
	// Scan enumerates keys under prefix, used to find free worker-id slots.
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// RedisCoordinationStore implements CoordinationStore over go-redis,
// following the same SetNX/Expire/Del/Scan shape the teacher's own Redis
// example uses for its worker coordinator.
type RedisCoordinationStore struct {
	client *redis.Client
}

// NewRedisCoordinationStore builds a store over an existing client; the
// engine shares one client between the coordination store and the L3
// cache tier, distinguished only by key prefix.
func NewRedisCoordinationStore(client *redis.Client) *RedisCoordinationStore {
	return &RedisCoordinationStore{client: client}
}

func (s *RedisCoordinationStore) TryClaim(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errs.NewStoreUnavailableError("coordination_store", err)
	}
	return ok, nil
}

func (s *RedisCoordinationStore) Renew(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return errs.NewStoreUnavailableError("coordination_store", err)
	}
	if !ok {
		return errs.NewStoreUnavailableError("coordination_store", fmt.Errorf("lease key %s no longer exists", key))
	}
	return nil
}

func (s *RedisCoordinationStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errs.NewStoreUnavailableError("coordination_store", err)
	}
	return nil
}

func (s *RedisCoordinationStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errs.NewStoreUnavailableError("coordination_store", err)
	}
	return keys, nil
}

// HealthState is the three-state classification the monitor assigns to a
// wrapped CoordinationStore.
type HealthState int32

const (
	Healthy HealthState = iota
	Degraded
	Failed
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// LocalCacheEntry is one persisted key/value/expiry row in the local file
// cache that backstops writes while the store is Failed.
type LocalCacheEntry struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

// LocalFileCache is a gob-encoded snapshot of the best-effort local cache,
// periodically flushed to a single file under the configured data
// directory. It is not a durable store: on Failed, reads are served from
// memory and writes update memory only, to be reconciled by the operator
// once the coordination store recovers (no automatic reconciliation is
// attempted).
type LocalFileCache struct {
	path string

	mu      sync.Mutex
	entries map[string]LocalCacheEntry
}

// NewLocalFileCache loads path if it exists, or starts empty.
func NewLocalFileCache(path string) *LocalFileCache {
	c := &LocalFileCache{path: path, entries: make(map[string]LocalCacheEntry)}
	c.load()
	return c
}

func (c *LocalFileCache) load() {
	f, err := os.Open(c.path)
	if err != nil {
		return
	}
	defer f.Close()
	var entries []LocalCacheEntry
	if err := gob.NewDecoder(f).Decode(&entries); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.entries[e.Key] = e
	}
}

// Flush persists the current snapshot to path, overwriting it atomically
// via a temp-file rename.
func (c *LocalFileCache) Flush() error {
	c.mu.Lock()
	snapshot := make([]LocalCacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		snapshot = append(snapshot, e)
	}
	c.mu.Unlock()

	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(snapshot); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// Get returns the cached value for key if present and unexpired.
func (c *LocalFileCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.ExpiresAt) {
		return "", false
	}
	return e.Value, true
}

// Put records or overwrites a cache entry.
func (c *LocalFileCache) Put(key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = LocalCacheEntry{Key: key, Value: value, ExpiresAt: time.Now().Add(ttl)}
}

// KeysWithPrefix returns every unexpired cached key starting with prefix.
func (c *LocalFileCache) KeysWithPrefix(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	now := time.Now()
	for k, e := range c.entries {
		if strings.HasPrefix(k, prefix) && now.Before(e.ExpiresAt) {
			keys = append(keys, k)
		}
	}
	return keys
}

// StartPeriodicFlush flushes the cache to disk every interval until ctx is
// canceled.
func (c *LocalFileCache) StartPeriodicFlush(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = c.Flush()
			case <-ctx.Done():
				_ = c.Flush()
				return
			}
		}
	}()
}

// HealthMonitor wraps a CoordinationStore with the three-state
// consecutive-failure classifier (3 -> Degraded, 5 -> Failed, any success
// -> Healthy) and a LocalFileCache backstop used while Failed.
type HealthMonitor struct {
	store CoordinationStore
	cache *LocalFileCache

	consecutiveFailures atomic.Uint32
	state                atomic.Int32
}

// NewHealthMonitor wraps store with a monitor persisting its fallback
// cache at cachePath.
func NewHealthMonitor(store CoordinationStore, cachePath string) *HealthMonitor {
	return &HealthMonitor{store: store, cache: NewLocalFileCache(cachePath)}
}

// State reports the current classification.
func (m *HealthMonitor) State() HealthState {
	return HealthState(m.state.Load())
}

func (m *HealthMonitor) recordResult(err error) {
	if err == nil {
		m.consecutiveFailures.Store(0)
		m.state.Store(int32(Healthy))
		return
	}
	failures := m.consecutiveFailures.Add(1)
	switch {
	case failures >= 5:
		m.state.Store(int32(Failed))
	case failures >= 3:
		m.state.Store(int32(Degraded))
	}
}

// TryClaim routes to the store when not Failed; while Failed it consults
// the local cache instead, never claiming a key already present there.
func (m *HealthMonitor) TryClaim(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if m.State() == Failed {
		if _, ok := m.cache.Get(key); ok {
			return false, nil
		}
		m.cache.Put(key, value, ttl)
		return true, nil
	}
	ok, err := m.store.TryClaim(ctx, key, value, ttl)
	m.recordResult(err)
	if err == nil && ok {
		m.cache.Put(key, value, ttl)
	}
	return ok, err
}

func (m *HealthMonitor) Renew(ctx context.Context, key string, ttl time.Duration) error {
	if m.State() == Failed {
		if v, ok := m.cache.Get(key); ok {
			m.cache.Put(key, v, ttl)
			return nil
		}
		return errs.NewStoreUnavailableError("coordination_store", fmt.Errorf("unknown lease key %s", key))
	}
	err := m.store.Renew(ctx, key, ttl)
	m.recordResult(err)
	return err
}

func (m *HealthMonitor) Release(ctx context.Context, key string) error {
	if m.State() != Failed {
		if err := m.store.Release(ctx, key); err != nil {
			m.recordResult(err)
			return err
		}
		m.recordResult(nil)
	}
	m.cache.Put(key, "", -time.Second)
	return nil
}

func (m *HealthMonitor) Scan(ctx context.Context, prefix string) ([]string, error) {
	if m.State() == Failed {
		return m.cache.KeysWithPrefix(prefix), nil
	}
	keys, err := m.store.Scan(ctx, prefix)
	m.recordResult(err)
	return keys, err
}

// KeyFor builds the canonical worker-lease key for a datacenter/worker
// pair, matching the layout in the worker-ID allocator protocol.
func KeyFor(datacenterID, workerID int64) string {
	return "/workers/" + strconv.FormatInt(datacenterID, 10) + "/" + strconv.FormatInt(workerID, 10)
}
