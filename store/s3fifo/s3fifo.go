package s3fifo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wolfeidau/bucketstore/telemetry"
)

const (
	defaultSmallQueuePercent = 10
	ghostFloor               = 128 // minimum ghost max entries when auto-sizing
)

// Config holds S3-FIFO cache configuration.
type Config struct {
	// MaxSize is the maximum total size of cached payloads in bytes.
	MaxSize int64

	// SmallQueuePercent is the fraction of MaxSize reserved for the small
	// (probationary) queue. Default: 10.
	SmallQueuePercent int

	// GhostMaxEntries caps the ghost queue size.
	// 0 = auto: capped at the current main queue entry count (with a floor of ghostFloor).
	GhostMaxEntries int

	// Logger for eviction events.
	Logger *slog.Logger
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	SmallEntries int   `json:"small_entries"`
	SmallBytes   int64 `json:"small_bytes"`
	MainEntries  int   `json:"main_entries"`
	MainBytes    int64 `json:"main_bytes"`
	GhostEntries int   `json:"ghost_entries"`
}

// Cache is an S3-FIFO cache of immutable payloads.
//
// New entries enter the small queue. Entries read while in the small queue are
// promoted to main when they reach its tail; the rest are evicted and their
// IDs remembered in the ghost queue, so a re-admitted ghost goes straight to
// main. Main entries get one second chance per recorded read.
//
// All methods are safe for concurrent use.
type Cache struct {
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	small *queue
	main  *queue
	ghost *ghost
}

// New creates an empty cache. A cache with MaxSize <= 0 admits nothing.
func New(cfg Config) *Cache {
	if cfg.SmallQueuePercent <= 0 || cfg.SmallQueuePercent >= 100 {
		cfg.SmallQueuePercent = defaultSmallQueuePercent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		config: cfg,
		logger: cfg.Logger,
		small:  newQueue(),
		main:   newQueue(),
		ghost:  newGhost(),
	}
}

// Get returns the cached payload for id and records the access.
func (c *Cache) Get(ctx context.Context, id uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.small.get(id)
	if e == nil {
		e = c.main.get(id)
	}
	if e == nil {
		telemetry.RecordCacheLookup(ctx, "miss")
		return nil, false
	}
	if e.freq < maxFreq {
		e.freq++
	}
	telemetry.RecordCacheLookup(ctx, "hit")
	return e.data, true
}

// Admit caches data under id and evicts until the cache fits MaxSize again.
// Payloads larger than MaxSize are not cached. Admitting an id that is
// already cached is a no-op. data must not be modified afterwards.
func (c *Cache) Admit(ctx context.Context, id uint64, data []byte) {
	if c.config.MaxSize <= 0 || int64(len(data)) > c.config.MaxSize {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.small.get(id) != nil || c.main.get(id) != nil {
		return
	}

	e := &entry{id: id, data: data}
	if c.ghost.remove(id) {
		c.main.pushHead(e)
		telemetry.RecordCacheAdmission(ctx, QueueMain, "ghost_hit")
	} else {
		c.small.pushHead(e)
		telemetry.RecordCacheAdmission(ctx, QueueSmall, "new")
	}
	c.evict(ctx)
}

// Remove drops id from every queue, including the ghost queue.
func (c *Cache) Remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.small.remove(id)
	c.main.remove(id)
	c.ghost.remove(id)
}

// Size returns the number of cached bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.small.bytes + c.main.bytes
}

// Stats returns the current queue sizes.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		SmallEntries: c.small.len(),
		SmallBytes:   c.small.bytes,
		MainEntries:  c.main.len(),
		MainBytes:    c.main.bytes,
		GhostEntries: c.ghost.len(),
	}
}

func (c *Cache) smallTarget() int64 {
	return c.config.MaxSize * int64(c.config.SmallQueuePercent) / 100
}

// evict runs with c.mu held.
func (c *Cache) evict(ctx context.Context) {
	for c.small.bytes+c.main.bytes > c.config.MaxSize {
		if c.small.bytes > c.smallTarget() || c.main.len() == 0 {
			c.evictFromSmall(ctx)
		} else {
			c.evictFromMain(ctx)
		}
	}
}

// evictFromSmall pops the tail of the small queue and either:
//   - Promotes to main if it was read while in small
//   - Evicts and adds to ghost otherwise (one-hit wonder)
func (c *Cache) evictFromSmall(ctx context.Context) {
	e := c.small.popTail()
	if e == nil {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		c.main.pushHead(e)
		telemetry.RecordCacheEviction(ctx, QueueSmall, "promoted")
		return
	}

	c.ghost.add(e.id)
	c.ghost.trim(c.ghostMaxEntries())
	c.logger.Debug("s3fifo: evicted one-hit payload", "id", e.id, "size", e.size())
	telemetry.RecordCacheEviction(ctx, QueueSmall, "evicted")
}

// evictFromMain pops the tail of the main queue and either:
//   - Reinserts with a decremented counter if it was read (second chance)
//   - Evicts otherwise
func (c *Cache) evictFromMain(ctx context.Context) {
	e := c.main.popTail()
	if e == nil {
		return
	}

	if e.freq > 0 {
		e.freq--
		c.main.pushHead(e)
		telemetry.RecordCacheEviction(ctx, QueueMain, "second_chance")
		return
	}

	c.logger.Debug("s3fifo: evicted cold payload", "id", e.id, "size", e.size())
	telemetry.RecordCacheEviction(ctx, QueueMain, "evicted")
}

// ghostMaxEntries returns the effective maximum ghost queue size.
func (c *Cache) ghostMaxEntries() int {
	if c.config.GhostMaxEntries > 0 {
		return c.config.GhostMaxEntries
	}
	if n := c.main.len(); n > ghostFloor {
		return n
	}
	return ghostFloor
}
