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

	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// Bolt is a Store keeping one bbolt file per bucket.
type Bolt struct {
	dir    string
	name   string
	dbs    []atomic.Pointer[bbolt.DB]
	logger *slog.Logger
	noSync bool
}

// OpenBolt opens (creating if needed) <dir>/<name>_<i>.db for every bucket.
func OpenBolt(dir, name string, buckets int, opts ...Option) (*Bolt, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("%w: bucket count %d", ErrInvalidBucket, buckets)
	}
	o := newOptions(opts)

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	b := &Bolt{
		dir:    dir,
		name:   name,
		dbs:    make([]atomic.Pointer[bbolt.DB], buckets),
		logger: o.logger.With("component", "localstore", "engine", EngineBolt, "store", name),
		noSync: o.fsync == FsyncNever,
	}

	for i := range b.dbs {
		db, err := b.openBucket(i)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.dbs[i].Store(db)
	}

	b.logger.Debug("opened local store", "dir", dir, "buckets", buckets, "noSync", b.noSync)
	return b, nil
}

func (b *Bolt) path(bucket int) string {
	return filepath.Join(b.dir, fmt.Sprintf("%s_%d.db", b.name, bucket))
}

func (b *Bolt) openBucket(bucket int) (*bbolt.DB, error) {
	path := b.path(bucket)
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bucket %d: %w", bucket, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating entries bucket %d: %w", bucket, err)
	}
	return db, nil
}

func (b *Bolt) db(bucket int) (*bbolt.DB, error) {
	if err := checkBucket(bucket, len(b.dbs)); err != nil {
		return nil, err
	}
	db := b.dbs[bucket].Load()
	if db == nil {
		return nil, ErrClosed
	}
	return db, nil
}

// Buckets returns the number of partitions.
func (b *Bolt) Buckets() int {
	return len(b.dbs)
}

// Get returns a copy of the value stored under key.
func (b *Bolt) Get(key string, bucket int) ([]byte, error) {
	db, err := b.db(bucket)
	if err != nil {
		return nil, err
	}

	var value []byte
	err = db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = bytes.Clone(v)
		return nil
	})
	return value, err
}

// Put stores value under key.
func (b *Bolt) Put(key string, value []byte, bucket int) error {
	if key == "" {
		return errors.New("localstore: empty key")
	}
	db, err := b.db(bucket)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), value)
	})
}

// Remove deletes key.
func (b *Bolt) Remove(key string, bucket int) error {
	db, err := b.db(bucket)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// Iterate returns up to maxResults entries after fromKeyExclusive.
func (b *Bolt) Iterate(bucket int, fromKeyExclusive string, maxResults int) ([]Entry, error) {
	db, err := b.db(bucket)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		return nil, nil
	}

	var entries []Entry
	err = db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()

		var k, v []byte
		if fromKeyExclusive == "" {
			k, v = c.First()
		} else {
			from := []byte(fromKeyExclusive)
			k, v = c.Seek(from)
			if k != nil && bytes.Equal(k, from) {
				k, v = c.Next()
			}
		}

		for ; k != nil && len(entries) < maxResults; k, v = c.Next() {
			entries = append(entries, Entry{Key: string(k), Value: bytes.Clone(v)})
		}
		return nil
	})
	return entries, err
}

// ForEach calls fn for every entry in key order.
func (b *Bolt) ForEach(bucket int, fn func(key string, value []byte) error) error {
	db, err := b.db(bucket)
	if err != nil {
		return err
	}
	return db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Size returns the number of keys in the bucket.
func (b *Bolt) Size(bucket int) (int, error) {
	db, err := b.db(bucket)
	if err != nil {
		return 0, err
	}
	var n int
	err = db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

// Clear removes every key of the bucket.
func (b *Bolt) Clear(bucket int) error {
	db, err := b.db(bucket)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("deleting entries: %w", err)
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
}

// CloseDB closes the bucket's file.
func (b *Bolt) CloseDB(bucket int) error {
	if err := checkBucket(bucket, len(b.dbs)); err != nil {
		return err
	}
	db := b.dbs[bucket].Swap(nil)
	if db == nil {
		return nil
	}
	return db.Close()
}

// Close closes every bucket.
func (b *Bolt) Close() error {
	var errs []error
	for i := range b.dbs {
		if err := b.CloseDB(i); err != nil {
			errs = append(errs, fmt.Errorf("closing bucket %d: %w", i, err))
		}
	}
	b.logger.Debug("closed local store")
	return errors.Join(errs...)
}
