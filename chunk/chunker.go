// Package chunk implements bounded-memory, resumable scans over every bucket
// of a writer producer.
//
// Each call fetches at most a few entries per unfinished bucket through the
// bucket's single writer, so a scan never races with writes to the same
// bucket, and returns a new Cursor to resume from.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/bucketstore/telemetry"
	"github.com/wolfeidau/bucketstore/writer"
)

// ErrInvalidMemoryBound is returned for a non-positive maximum chunk size.
var ErrInvalidMemoryBound = errors.New("chunk: max memory must be positive")

// Config controls how many entries are requested per bucket.
type Config struct {
	EntryEstimateBytes  int // Assumed size of one entry when sizing fetches (default: 1KiB)
	MaxResultsPerBucket int // Upper bound on entries fetched per bucket per call (default: 250)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		EntryEstimateBytes:  1024,
		MaxResultsPerBucket: 250,
	}
}

// BucketChunk is one bucket's fetch result.
type BucketChunk[T any] struct {
	Bucket   int
	Items    []T
	LastKey  string // key of the last item in Items
	Finished bool   // no entries after LastKey
}

// Fetch reads up to maxResults entries sorted after lastKey from one bucket.
// It runs on the bucket's single writer.
type Fetch[T any] func(bucket int, lastKey string, maxResults int) (BucketChunk[T], error)

// MultipleChunkResult is the merged outcome of one chunk call.
type MultipleChunkResult[T any] struct {
	Values   map[int][]T
	Cursor   Cursor
	Finished bool
	Bytes    int
}

// Len returns the number of items across all buckets.
func (r MultipleChunkResult[T]) Len() int {
	n := 0
	for _, items := range r.Values {
		n += len(items)
	}
	return n
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chunker) {
		c.logger = logger
	}
}

// Chunker issues chunk scans for one producer.
type Chunker struct {
	producer *writer.Producer
	cfg      Config
	logger   *slog.Logger
}

// New creates a Chunker for p.
func New(p *writer.Producer, cfg Config, opts ...Option) *Chunker {
	def := DefaultConfig()
	if cfg.EntryEstimateBytes <= 0 {
		cfg.EntryEstimateBytes = def.EntryEstimateBytes
	}
	if cfg.MaxResultsPerBucket <= 0 {
		cfg.MaxResultsPerBucket = def.MaxResultsPerBucket
	}
	c := &Chunker{
		producer: p,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "chunker", "producer", p.Name())
	return c
}

// maxResults splits maxMemory evenly across the pending buckets.
func (c *Chunker) maxResults(maxMemory, pending int) int {
	n := maxMemory / pending / c.cfg.EntryEstimateBytes
	return max(1, min(n, c.cfg.MaxResultsPerBucket))
}

// GetAllLocalChunk fetches the next chunk of every bucket not yet finished in
// cursor and merges the results.
//
// Buckets are merged in index order until their accumulated sizeOf reaches
// maxMemory. The first bucket contributing items is always included so every
// call makes progress; buckets beyond the budget are dropped from the result
// and keep their previous cursor position, so they are fetched again by the
// next call. A bucket is finished once a fetch returns fewer than requested.
func GetAllLocalChunk[T any](c *Chunker, cursor Cursor, maxMemory int, fetch Fetch[T], sizeOf func(T) int) *writer.Future[MultipleChunkResult[T]] {
	if maxMemory <= 0 {
		return writer.Failed[MultipleChunkResult[T]](ErrInvalidMemoryBound)
	}

	var pending []int
	for b := 0; b < c.producer.Buckets(); b++ {
		if !cursor.Finished(b) {
			pending = append(pending, b)
		}
	}
	if len(pending) == 0 {
		return writer.Completed(MultipleChunkResult[T]{
			Values:   map[int][]T{},
			Cursor:   cursor,
			Finished: true,
		})
	}

	limit := c.maxResults(maxMemory, len(pending))
	futures := make([]*writer.Future[BucketChunk[T]], len(pending))
	for i, b := range pending {
		lastKey := cursor.LastKey(b)
		futures[i] = writer.SubmitBucket(c.producer, b, func(bucket int) (BucketChunk[T], error) {
			chunk, err := fetch(bucket, lastKey, limit)
			if err != nil {
				return BucketChunk[T]{}, err
			}
			chunk.Bucket = bucket
			if len(chunk.Items) < limit {
				chunk.Finished = true
			}
			if len(chunk.Items) == 0 {
				chunk.LastKey = lastKey
			}
			return chunk, nil
		})
	}

	start := time.Now()
	p := writer.NewPromise[MultipleChunkResult[T]]()
	go func() {
		chunks := make([]BucketChunk[T], len(futures))
		var errs []error
		for i, f := range futures {
			chunk, err := f.Wait(context.Background())
			if err != nil {
				errs = append(errs, fmt.Errorf("bucket %d: %w", pending[i], err))
				continue
			}
			chunks[i] = chunk
		}
		if len(errs) > 0 {
			p.Fail(errors.Join(errs...))
			return
		}

		result := merge(cursor, chunks, maxMemory, sizeOf)
		result.Finished = result.Cursor.AllFinished(c.producer.Buckets())

		telemetry.RecordChunk(context.Background(), c.producer.Name(), result.Len(), int64(result.Bytes), result.Finished)
		c.logger.Debug("chunk fetched",
			"buckets", len(pending),
			"max_results", limit,
			"items", result.Len(),
			"bytes", result.Bytes,
			"finished", result.Finished,
			"duration", time.Since(start),
		)
		p.Complete(result)
	}()
	return p.Future()
}

func merge[T any](cursor Cursor, chunks []BucketChunk[T], maxMemory int, sizeOf func(T) int) MultipleChunkResult[T] {
	result := MultipleChunkResult[T]{Values: make(map[int][]T)}
	next := cursor
	contributed := false

	for _, chunk := range chunks {
		size := 0
		for _, item := range chunk.Items {
			size += sizeOf(item)
		}
		if contributed && size > 0 && result.Bytes+size > maxMemory {
			continue
		}
		if len(chunk.Items) > 0 {
			result.Values[chunk.Bucket] = chunk.Items
			contributed = true
		}
		result.Bytes += size
		next = next.With(chunk.Bucket, chunk.LastKey, chunk.Finished)
	}

	result.Cursor = next
	return result
}
