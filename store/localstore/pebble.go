package localstore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
)

// Pebble is a Store keeping one pebble database directory per bucket.
type Pebble struct {
	dir       string
	name      string
	dbs       []atomic.Pointer[pebble.DB]
	logger    *slog.Logger
	writeOpts *pebble.WriteOptions
}

// OpenPebble opens (creating if needed) <dir>/<name>_<i> for every bucket.
func OpenPebble(dir, name string, buckets int, opts ...Option) (*Pebble, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("%w: bucket count %d", ErrInvalidBucket, buckets)
	}
	o := newOptions(opts)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	p := &Pebble{
		dir:       dir,
		name:      name,
		dbs:       make([]atomic.Pointer[pebble.DB], buckets),
		logger:    o.logger.With("component", "localstore", "engine", EnginePebble, "store", name),
		writeOpts: pebble.NoSync,
	}
	if o.fsync == FsyncAlways {
		p.writeOpts = pebble.Sync
	}

	for i := range p.dbs {
		db, err := p.openBucket(i, o)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.dbs[i].Store(db)
	}

	p.logger.Debug("opened local store", "dir", dir, "buckets", buckets, "fsync", o.fsync)
	return p, nil
}

func (p *Pebble) openBucket(bucket int, o options) (*pebble.DB, error) {
	po := &pebble.Options{}
	switch o.fsync {
	case FsyncInterval:
		interval := o.fsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncNever:
		po.DisableWAL = true
	}

	path := filepath.Join(p.dir, fmt.Sprintf("%s_%d", p.name, bucket))
	db, err := pebble.Open(path, po)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %d: %w", bucket, err)
	}
	return db, nil
}

func (p *Pebble) db(bucket int) (*pebble.DB, error) {
	if err := checkBucket(bucket, len(p.dbs)); err != nil {
		return nil, err
	}
	db := p.dbs[bucket].Load()
	if db == nil {
		return nil, ErrClosed
	}
	return db, nil
}

// Buckets returns the number of partitions.
func (p *Pebble) Buckets() int {
	return len(p.dbs)
}

// Get returns a copy of the value stored under key.
func (p *Pebble) Get(key string, bucket int) ([]byte, error) {
	db, err := p.db(bucket)
	if err != nil {
		return nil, err
	}
	val, closer, err := db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(val), nil
}

// Put stores value under key.
func (p *Pebble) Put(key string, value []byte, bucket int) error {
	if key == "" {
		return errors.New("localstore: empty key")
	}
	db, err := p.db(bucket)
	if err != nil {
		return err
	}
	return db.Set([]byte(key), value, p.writeOpts)
}

// Remove deletes key.
func (p *Pebble) Remove(key string, bucket int) error {
	db, err := p.db(bucket)
	if err != nil {
		return err
	}
	return db.Delete([]byte(key), p.writeOpts)
}

// Iterate returns up to maxResults entries after fromKeyExclusive.
func (p *Pebble) Iterate(bucket int, fromKeyExclusive string, maxResults int) ([]Entry, error) {
	db, err := p.db(bucket)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		return nil, nil
	}

	iterOpts := &pebble.IterOptions{}
	if fromKeyExclusive != "" {
		// The smallest key sorting after fromKeyExclusive.
		iterOpts.LowerBound = append([]byte(fromKeyExclusive), 0)
	}
	iter, err := db.NewIter(iterOpts)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []Entry
	for valid := iter.First(); valid && len(entries) < maxResults; valid = iter.Next() {
		entries = append(entries, Entry{
			Key:   string(iter.Key()),
			Value: bytes.Clone(iter.Value()),
		})
	}
	return entries, iter.Error()
}

// ForEach calls fn for every entry in key order.
func (p *Pebble) ForEach(bucket int, fn func(key string, value []byte) error) error {
	db, err := p.db(bucket)
	if err != nil {
		return err
	}
	iter, err := db.NewIter(nil)
	if err != nil {
		return err
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		if err := fn(string(iter.Key()), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Size returns the number of keys in the bucket.
func (p *Pebble) Size(bucket int) (int, error) {
	n := 0
	err := p.ForEach(bucket, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Clear removes every key of the bucket in one batch.
func (p *Pebble) Clear(bucket int) error {
	db, err := p.db(bucket)
	if err != nil {
		return err
	}
	iter, err := db.NewIter(nil)
	if err != nil {
		return err
	}

	batch := db.NewBatch()
	defer batch.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := batch.Delete(bytes.Clone(iter.Key()), nil); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}
	return batch.Commit(p.writeOpts)
}

// CloseDB closes the bucket's database.
func (p *Pebble) CloseDB(bucket int) error {
	if err := checkBucket(bucket, len(p.dbs)); err != nil {
		return err
	}
	db := p.dbs[bucket].Swap(nil)
	if db == nil {
		return nil
	}
	return db.Close()
}

// Close closes every bucket.
func (p *Pebble) Close() error {
	var errs []error
	for i := range p.dbs {
		if err := p.CloseDB(i); err != nil {
			errs = append(errs, fmt.Errorf("closing bucket %d: %w", i, err))
		}
	}
	p.logger.Debug("closed local store")
	return errors.Join(errs...)
}
