// Package payload provides the reference-counted payload blob store shared by
// all buckets.
//
// Persistences add a payload (or take another reference to it) before a write
// that references it and release the reference after the referencing entry is
// removed or overwritten. Entries whose count reached zero are deleted by the
// Reaper once they stayed unreferenced for a grace period.
package payload

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/bucketstore/telemetry"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when no payload exists for an id.
var ErrNotFound = errors.New("payload: not found")

var (
	bucketPayloads     = []byte("payloads")
	bucketUnreferenced = []byte("unreferenced") // unreferenced-since(8) || id(8) -> empty
)

// Store is the reference-counted payload store consumed by persistences.
type Store interface {
	// Add stores payload under id with a reference count of one, or takes
	// another reference if id already exists.
	Add(ctx context.Context, payload []byte, id uint64) error

	// Get returns the payload stored under id.
	Get(ctx context.Context, id uint64) ([]byte, error)

	// IncrementReferenceCounter takes another reference to an existing payload.
	IncrementReferenceCounter(ctx context.Context, id uint64) error

	// DecrementReferenceCounter releases one reference.
	DecrementReferenceCounter(ctx context.Context, id uint64) error
}

// Stats summarises the store contents.
type Stats struct {
	Payloads     int   `json:"payloads"`
	Unreferenced int   `json:"unreferenced"`
	StoredBytes  int64 `json:"stored_bytes"`
	Bytes        int64 `json:"bytes"`
}

// Bolt implements Store using bbolt.
type Bolt struct {
	db        *bbolt.DB
	codec     *codec
	logger    *slog.Logger
	now       func() time.Time
	noSync    bool
	threshold int
}

// Option configures a Bolt store.
type Option func(*Bolt)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(b *Bolt) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// WithCompressionThreshold sets the payload size from which zstd is tried.
func WithCompressionThreshold(n int) Option {
	return func(b *Bolt) {
		b.threshold = n
	}
}

// OpenBolt opens the payload store at path.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	b := &Bolt{
		logger:    slog.Default(),
		now:       time.Now,
		threshold: DefaultCompressionThreshold,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "payload_store")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening payload store: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPayloads, bucketUnreferenced} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c, err := newCodec(b.threshold)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.codec = c

	b.logger.Debug("opened payload store", "path", path, "noSync", b.noSync)
	return b, nil
}

// Close closes the database and releases resources.
func (b *Bolt) Close() error {
	if b.codec != nil {
		b.codec.close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing payload store")
	return b.db.Close()
}

func idKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

func unreferencedKey(since time.Time, id uint64) []byte {
	k := binary.BigEndian.AppendUint64(make([]byte, 0, 16), uint64(since.UnixMilli())) //nolint:gosec // timestamps after 1970
	return binary.BigEndian.AppendUint64(k, id)
}

func getRecord(bucket *bbolt.Bucket, id uint64) (*record, error) {
	val := bucket.Get(idKey(id))
	if val == nil {
		return nil, ErrNotFound
	}
	r, err := unmarshalRecord(val)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling payload %d: %w", id, err)
	}
	return r, nil
}

// Add stores payload under id or takes another reference to it.
func (b *Bolt) Add(ctx context.Context, payload []byte, id uint64) error {
	isNew := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		payloads := tx.Bucket(bucketPayloads)

		r, err := getRecord(payloads, id)
		switch {
		case errors.Is(err, ErrNotFound):
			r, err = b.codec.encode(payload)
			if err != nil {
				return err
			}
			isNew = true
		case err != nil:
			return err
		default:
			if r.refCount == 0 {
				if err := tx.Bucket(bucketUnreferenced).Delete(unreferencedKey(r.updatedAt, id)); err != nil {
					return err
				}
			}
		}

		r.refCount++
		r.updatedAt = b.now()
		return payloads.Put(idKey(id), r.marshal())
	})
	if err != nil {
		return err
	}
	telemetry.RecordPayloadWrite(ctx, int64(len(payload)), isNew)
	return nil
}

// Get returns the payload stored under id.
func (b *Bolt) Get(_ context.Context, id uint64) ([]byte, error) {
	var r *record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		r, err = getRecord(tx.Bucket(bucketPayloads), id)
		if err != nil {
			return err
		}
		// Values are only valid inside the transaction.
		r.data = bytes.Clone(r.data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b.codec.decode(r)
}

// RefCount returns the current reference count of id.
func (b *Bolt) RefCount(_ context.Context, id uint64) (uint64, error) {
	var n uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		r, err := getRecord(tx.Bucket(bucketPayloads), id)
		if err != nil {
			return err
		}
		n = r.refCount
		return nil
	})
	return n, err
}

// IncrementReferenceCounter takes another reference to an existing payload.
func (b *Bolt) IncrementReferenceCounter(_ context.Context, id uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		payloads := tx.Bucket(bucketPayloads)
		r, err := getRecord(payloads, id)
		if err != nil {
			return err
		}
		if r.refCount == 0 {
			if err := tx.Bucket(bucketUnreferenced).Delete(unreferencedKey(r.updatedAt, id)); err != nil {
				return err
			}
		}
		r.refCount++
		r.updatedAt = b.now()
		return payloads.Put(idKey(id), r.marshal())
	})
}

// DecrementReferenceCounter releases one reference. A payload whose count
// reaches zero is queued for the reaper.
func (b *Bolt) DecrementReferenceCounter(_ context.Context, id uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		payloads := tx.Bucket(bucketPayloads)
		r, err := getRecord(payloads, id)
		if err != nil {
			return err
		}
		if r.refCount == 0 {
			b.logger.Warn("payload reference count underflow", "id", id)
			return nil
		}

		r.refCount--
		r.updatedAt = b.now()
		if r.refCount == 0 {
			if err := tx.Bucket(bucketUnreferenced).Put(unreferencedKey(r.updatedAt, id), nil); err != nil {
				return err
			}
		}
		return payloads.Put(idKey(id), r.marshal())
	})
}

// DeleteUnreferenced deletes up to limit payloads that have been unreferenced
// since before the given time. It returns the number deleted.
func (b *Bolt) DeleteUnreferenced(_ context.Context, before time.Time, limit int) (int, error) {
	deleted := 0
	cutoff := uint64(before.UnixMilli()) //nolint:gosec // timestamps after 1970
	err := b.db.Update(func(tx *bbolt.Tx) error {
		payloads := tx.Bucket(bucketPayloads)
		index := tx.Bucket(bucketUnreferenced)

		var stale [][]byte
		c := index.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < limit; k, _ = c.Next() {
			if len(k) != 16 || binary.BigEndian.Uint64(k[:8]) >= cutoff {
				break
			}
			stale = append(stale, bytes.Clone(k))
		}

		for _, k := range stale {
			if err := index.Delete(k); err != nil {
				return err
			}
			id := binary.BigEndian.Uint64(k[8:])
			r, err := getRecord(payloads, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if r.refCount > 0 {
				continue
			}
			if err := payloads.Delete(idKey(id)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Stats returns a summary of the store.
func (b *Bolt) Stats(_ context.Context) (Stats, error) {
	var s Stats
	err := b.db.View(func(tx *bbolt.Tx) error {
		s.Unreferenced = tx.Bucket(bucketUnreferenced).Stats().KeyN
		return tx.Bucket(bucketPayloads).ForEach(func(_, v []byte) error {
			r, err := unmarshalRecord(v)
			if err != nil {
				return err
			}
			s.Payloads++
			s.StoredBytes += int64(len(r.data))
			s.Bytes += int64(r.size) //nolint:gosec // bounded by MaxPayloadSize
			return nil
		})
	})
	return s, err
}
