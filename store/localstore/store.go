// Package localstore provides the per-bucket key/value partitions that back
// every bucketed persistence.
//
// A Store holds one independent partition per bucket. Implementations are not
// required to serialise access to a single bucket: callers run all operations
// for a bucket on that bucket's single writer. Different buckets may be used
// concurrently.
package localstore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in a bucket.
	ErrNotFound = errors.New("localstore: not found")

	// ErrClosed is returned for operations on a closed bucket.
	ErrClosed = errors.New("localstore: bucket closed")

	// ErrInvalidBucket is returned for a bucket index outside [0, Buckets()).
	ErrInvalidBucket = errors.New("localstore: invalid bucket")

	// ErrUnknownEngine is returned by Open for an unsupported engine name.
	ErrUnknownEngine = errors.New("localstore: unknown engine")
)

// Entry is a key with its value as returned by Iterate.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a set of per-bucket ordered key/value partitions.
type Store interface {
	// Buckets returns the number of partitions.
	Buckets() int

	// Get returns a copy of the value stored under key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string, bucket int) ([]byte, error)

	// Put stores value under key, overwriting any previous value.
	Put(key string, value []byte, bucket int) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string, bucket int) error

	// Iterate returns up to maxResults entries with keys strictly greater than
	// fromKeyExclusive, in ascending byte order. An empty fromKeyExclusive
	// starts at the first key.
	Iterate(bucket int, fromKeyExclusive string, maxResults int) ([]Entry, error)

	// ForEach calls fn for every entry of the bucket in ascending key order.
	// Values are only valid for the duration of the call.
	ForEach(bucket int, fn func(key string, value []byte) error) error

	// Size returns the number of keys in the bucket.
	Size(bucket int) (int, error)

	// Clear removes every key of the bucket.
	Clear(bucket int) error

	// CloseDB closes the bucket's partition. Closing twice is not an error.
	CloseDB(bucket int) error

	// Close closes every partition.
	Close() error
}

// Engine names accepted by Open.
const (
	EngineBolt   = "bolt"
	EnginePebble = "pebble"
)

// FsyncMode controls when writes are synced to disk.
type FsyncMode int

const (
	// FsyncAlways syncs every write.
	FsyncAlways FsyncMode = iota
	// FsyncInterval lets the engine coalesce syncs within FsyncInterval.
	// Engines without group commit treat it like FsyncAlways.
	FsyncInterval
	// FsyncNever never forces a sync. Use only for tests and benchmarks.
	FsyncNever
)

// ParseFsyncMode parses "always", "interval" or "never".
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "always":
		return FsyncAlways, nil
	case "interval":
		return FsyncInterval, nil
	case "never":
		return FsyncNever, nil
	default:
		return 0, fmt.Errorf("unknown fsync mode %q", s)
	}
}

type options struct {
	logger        *slog.Logger
	fsync         FsyncMode
	fsyncInterval time.Duration
	instrumented  bool
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithFsync sets the sync policy. The interval applies to FsyncInterval only.
func WithFsync(mode FsyncMode, interval time.Duration) Option {
	return func(o *options) {
		o.fsync = mode
		o.fsyncInterval = interval
	}
}

// WithNoSync disables fsync per write.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync() Option {
	return WithFsync(FsyncNever, 0)
}

// WithInstrumentation wraps the store returned by Open with metrics recording.
func WithInstrumentation() Option {
	return func(o *options) {
		o.instrumented = true
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:        slog.Default(),
		fsync:         FsyncAlways,
		fsyncInterval: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open opens a store of the named engine with one partition per bucket under
// dir. name prefixes every partition so several stores can share dir.
func Open(engine, dir, name string, buckets int, opts ...Option) (Store, error) {
	o := newOptions(opts)

	var (
		s   Store
		err error
	)
	switch engine {
	case "", EngineBolt:
		engine = EngineBolt
		s, err = OpenBolt(dir, name, buckets, opts...)
	case EnginePebble:
		s, err = OpenPebble(dir, name, buckets, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
	if err != nil {
		return nil, err
	}

	if o.instrumented {
		s = NewInstrumented(s, engine, name)
	}
	return s, nil
}

func checkBucket(bucket, buckets int) error {
	if bucket < 0 || bucket >= buckets {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidBucket, bucket, buckets)
	}
	return nil
}
