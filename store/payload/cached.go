package payload

import (
	"bytes"
	"context"

	"github.com/wolfeidau/bucketstore/store/s3fifo"
)

// RefCountedStore is a Store that can report reference counts.
type RefCountedStore interface {
	Store
	RefCount(ctx context.Context, id uint64) (uint64, error)
}

// Cached is a Store that serves reads from an S3-FIFO cache in front of the
// underlying store. Payloads are immutable per id, so only a release of the
// last reference invalidates a cached entry.
type Cached struct {
	store RefCountedStore
	cache *s3fifo.Cache
}

var _ Store = (*Cached)(nil)

// NewCached wraps store with cache.
func NewCached(store RefCountedStore, cache *s3fifo.Cache) *Cached {
	return &Cached{store: store, cache: cache}
}

// Add stores payload under id or takes another reference to it.
func (c *Cached) Add(ctx context.Context, payload []byte, id uint64) error {
	return c.store.Add(ctx, payload, id)
}

// Get returns a copy of the payload stored under id.
func (c *Cached) Get(ctx context.Context, id uint64) ([]byte, error) {
	if data, ok := c.cache.Get(ctx, id); ok {
		return bytes.Clone(data), nil
	}

	data, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Admit(ctx, id, data)
	return bytes.Clone(data), nil
}

// IncrementReferenceCounter takes another reference to an existing payload.
func (c *Cached) IncrementReferenceCounter(ctx context.Context, id uint64) error {
	return c.store.IncrementReferenceCounter(ctx, id)
}

// DecrementReferenceCounter releases one reference and drops the cached copy
// once no references remain.
func (c *Cached) DecrementReferenceCounter(ctx context.Context, id uint64) error {
	if err := c.store.DecrementReferenceCounter(ctx, id); err != nil {
		return err
	}
	if n, err := c.store.RefCount(ctx, id); err != nil || n == 0 {
		c.cache.Remove(id)
	}
	return nil
}

// CacheStats returns the cache queue sizes.
func (c *Cached) CacheStats() s3fifo.Stats {
	return c.cache.Stats()
}
