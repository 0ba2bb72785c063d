package linkup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// cacheKey is the single key the reading set lives under in the store.
const cacheKey = "readings"

// Store is the durable key-value backend behind the reading cache. A missing
// key yields (nil, nil), never an error. Implementations live in the store
// package; anything satisfying the contract works.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// CacheEntry is a persisted reading set together with the time it was
// fetched from upstream.
type CacheEntry struct {
	Readings  []Reading
	FetchedAt time.Time
}

// Age reports how long ago the entry was fetched.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// IsFresh reports whether the entry is recent enough to serve without any
// upstream traffic.
func (e CacheEntry) IsFresh(now time.Time, window time.Duration) bool {
	return e.Age(now) < window
}

// IsUsable reports whether the entry may still be served as a stale fallback
// within the given grace window.
func (e CacheEntry) IsUsable(now time.Time, grace time.Duration) bool {
	return e.Age(now) < grace
}

// cacheDocument is the serialized cache layout: the readings plus the fetch
// time in epoch milliseconds.
type cacheDocument struct {
	Readings  []Reading `json:"readings"`
	Timestamp int64     `json:"timestamp"`
}

// readingCache adapts a Store to typed CacheEntry operations. Writes are
// serialized and guarded so a slow fetch never clobbers a newer entry.
type readingCache struct {
	store  Store
	logger *slog.Logger

	mu sync.Mutex // serializes the read-compare-write in Write
}

func newReadingCache(store Store, logger *slog.Logger) *readingCache {
	return &readingCache{store: store, logger: logger}
}

// Read loads the cached entry. Absent and unreadable entries both come back
// as nil; only backend failures produce an error.
func (c *readingCache) Read(ctx context.Context) (*CacheEntry, error) {
	raw, err := c.store.Get(ctx, cacheKey)
	if err != nil {
		return nil, fmt.Errorf("linkup: cache read: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var doc cacheDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		// A corrupt entry is as good as no entry. Leave it in place; the
		// next successful fetch overwrites it.
		c.logger.Warn("discarding corrupt cache entry", "error", err)
		return nil, nil
	}
	if len(doc.Readings) == 0 {
		// Entries are never written empty, so an empty document is damage.
		c.logger.Warn("discarding empty cache entry")
		return nil, nil
	}
	return &CacheEntry{
		Readings:  doc.Readings,
		FetchedAt: time.UnixMilli(doc.Timestamp),
	}, nil
}

// Write persists the entry unless the store already holds a newer one. The
// fetchedAt comparison, not call order, decides which fetch wins.
func (c *readingCache) Write(ctx context.Context, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.Read(ctx)
	if err == nil && current != nil && current.FetchedAt.After(entry.FetchedAt) {
		c.logger.Debug("skipping cache write, store holds newer entry",
			"entry", entry.FetchedAt, "current", current.FetchedAt)
		return nil
	}

	raw, err := json.Marshal(cacheDocument{
		Readings:  entry.Readings,
		Timestamp: entry.FetchedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("linkup: encode cache entry: %w", err)
	}
	if err := c.store.Set(ctx, cacheKey, raw); err != nil {
		return fmt.Errorf("linkup: cache write: %w", err)
	}
	return nil
}

// Clear removes the entry entirely.
func (c *readingCache) Clear(ctx context.Context) error {
	if err := c.store.Delete(ctx, cacheKey); err != nil {
		return fmt.Errorf("linkup: cache clear: %w", err)
	}
	return nil
}
