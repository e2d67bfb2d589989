// Package cache provides the keyed, TTL'd, size-bounded result cache that
// wraps deterministic stage invocations. Concurrent misses on the same key
// collapse into one computation via singleflight.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/sync/singleflight"

	"github.com/haricheung/cascade/internal/clock"
)

// DefaultTTL applies when a caller passes a non-positive TTL.
const DefaultTTL = 5 * time.Minute

// computeTimeout caps a cache-miss computation. The compute context is
// detached from the first caller's cancellation so one caller aborting does
// not fail every singleflight waiter.
const computeTimeout = 60 * time.Second

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	sizeBytes int
	elem      *list.Element
}

// Cache is a process-wide TTL + LRU cache with single-flight computation.
type Cache struct {
	clock      clock.Clock
	maxEntries int
	defaultTTL time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	flights singleflight.Group
}

// New creates a Cache. maxEntries <= 0 means unbounded; ttl <= 0 falls back
// to DefaultTTL.
func New(c clock.Clock, maxEntries int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		clock:      c,
		maxEntries: maxEntries,
		defaultTTL: ttl,
		entries:    make(map[string]*entry),
		lru:        list.New(),
	}
}

// Get returns the cached value for key, or ok=false on miss. Expired entries
// are removed lazily here.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.clock.Now().After(e.expiresAt) {
		c.removeLocked(e)
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	return e.value, true
}

// GetOrCompute returns the cached value for key, computing it at most once
// across concurrent callers on a miss. The second return value reports
// whether the call was served from cache without running compute.
//
// Expectations:
//   - Concurrent calls with the same key run compute exactly once within TTL
//   - A compute error is surfaced to all current waiters and is NOT cached
//   - The cached value expires after ttl and is recomputed on next access
//   - Size cap eviction removes least-recently-used entries first
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	computed := false
	v, err, _ := c.flights.Do(key, func() (any, error) {
		// Re-check under flight: another caller may have stored between our
		// miss and the flight starting.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		computed = true
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()
		v, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, !computed, nil
}

// Set stores value under key with the given ttl (<= 0 uses the default).
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	size := approxSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = c.clock.Now().Add(ttl)
		e.sizeBytes = size
		c.lru.MoveToFront(e.elem)
		return
	}
	e := &entry{key: key, value: value, expiresAt: c.clock.Now().Add(ttl), sizeBytes: size}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e

	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*entry)
		c.removeLocked(victim)
		slog.Debug("[CACHE] LRU evicted", "key", victim.key, "size_bytes", victim.sizeBytes)
	}
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the live entry count (expired entries may still be counted
// until their next access).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
}

func approxSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// ---------------------------------------------------------------------------
// Key construction
// ---------------------------------------------------------------------------

// Key builds a cache key from a stage name, its normalized inputs, its config,
// and the model client identity bound to the invocation.
//
// Expectations:
//   - Identical logical inputs hash to the same key after normalization
//   - String inputs are trimmed and lowercased before hashing
//   - Input map iteration order does not affect the key
//   - Different configs or client identities produce different keys
func Key(stageName string, inputs map[string]any, config map[string]any, clientID string) string {
	h := sha256.New()
	h.Write([]byte(stageName))
	h.Write([]byte{0})

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(canonicalize(inputs[k])))
		h.Write([]byte{0})
	}

	if len(config) > 0 {
		digest, err := hashstructure.Hash(config, hashstructure.FormatV2, nil)
		if err == nil {
			var buf [8]byte
			for i := 0; i < 8; i++ {
				buf[i] = byte(digest >> (8 * i))
			}
			h.Write(buf[:])
		}
	}
	h.Write([]byte{0})
	h.Write([]byte(clientID))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize renders an input value to a stable byte form: plain strings
// are trimmed and lowercased (semantically safe for query-like inputs);
// everything else goes through JSON, which sorts map keys.
func canonicalize(v any) string {
	switch t := v.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(t))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
