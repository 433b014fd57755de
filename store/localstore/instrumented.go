package localstore

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/bucketstore/telemetry"
)

// Instrumented wraps a Store with metrics recording.
type Instrumented struct {
	store  Store
	engine string
	ctx    context.Context
}

// NewInstrumented creates a new instrumented store wrapper.
// name is recorded as the store attribute of every operation.
func NewInstrumented(s Store, engine, name string) *Instrumented {
	return &Instrumented{
		store:  s,
		engine: engine,
		ctx:    telemetry.WithStoreContext(context.Background(), name),
	}
}

func (i *Instrumented) record(op string, bucket int, start time.Time, bytes int, err error) {
	telemetry.RecordLocalStoreOp(i.ctx, i.engine, op, outcomeFromError(err), bucket, time.Since(start), int64(bytes))
}

func (i *Instrumented) Buckets() int {
	return i.store.Buckets()
}

func (i *Instrumented) Get(key string, bucket int) ([]byte, error) {
	start := time.Now()
	v, err := i.store.Get(key, bucket)
	i.record("get", bucket, start, len(v), err)
	return v, err
}

func (i *Instrumented) Put(key string, value []byte, bucket int) error {
	start := time.Now()
	err := i.store.Put(key, value, bucket)
	i.record("put", bucket, start, len(value), err)
	return err
}

func (i *Instrumented) Remove(key string, bucket int) error {
	start := time.Now()
	err := i.store.Remove(key, bucket)
	i.record("remove", bucket, start, 0, err)
	return err
}

func (i *Instrumented) Iterate(bucket int, fromKeyExclusive string, maxResults int) ([]Entry, error) {
	start := time.Now()
	entries, err := i.store.Iterate(bucket, fromKeyExclusive, maxResults)
	n := 0
	for _, e := range entries {
		n += len(e.Value)
	}
	i.record("iterate", bucket, start, n, err)
	return entries, err
}

func (i *Instrumented) ForEach(bucket int, fn func(key string, value []byte) error) error {
	start := time.Now()
	err := i.store.ForEach(bucket, fn)
	i.record("for_each", bucket, start, 0, err)
	return err
}

func (i *Instrumented) Size(bucket int) (int, error) {
	start := time.Now()
	n, err := i.store.Size(bucket)
	i.record("size", bucket, start, 0, err)
	return n, err
}

func (i *Instrumented) Clear(bucket int) error {
	start := time.Now()
	err := i.store.Clear(bucket)
	i.record("clear", bucket, start, 0, err)
	return err
}

func (i *Instrumented) CloseDB(bucket int) error {
	return i.store.CloseDB(bucket)
}

func (i *Instrumented) Close() error {
	return i.store.Close()
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
