package payload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/bucketstore/store/s3fifo"
)

func TestCached(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cache := s3fifo.New(s3fifo.Config{MaxSize: 1 << 20})
	c := NewCached(store, cache)

	require.NoError(t, c.Add(ctx, []byte("21.5"), 1))
	assert.Zero(t, cache.Size(), "writes are not cached")

	got, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("21.5"), got)
	assert.EqualValues(t, 4, cache.Size())

	// Callers get their own copy.
	got[0] = 'X'
	again, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("21.5"), again)

	require.NoError(t, c.IncrementReferenceCounter(ctx, 1))
	require.NoError(t, c.DecrementReferenceCounter(ctx, 1))
	assert.Equal(t, 1, c.CacheStats().SmallEntries, "still referenced")

	require.NoError(t, c.DecrementReferenceCounter(ctx, 1))
	assert.Zero(t, cache.Size(), "last release drops the cached copy")

	_, err = c.Get(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}
