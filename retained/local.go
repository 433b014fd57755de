package retained

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/bucketstore/chunk"
	"github.com/wolfeidau/bucketstore/store/localstore"
	"github.com/wolfeidau/bucketstore/store/payload"
)

// LocalPersistence stores retained messages in a bucketed local store, with
// payload bytes held by reference in a payload store.
//
// Methods taking a bucket are not safe for concurrent use on the same bucket;
// Persistence calls them from that bucket's single writer.
type LocalPersistence struct {
	store    localstore.Store
	payloads payload.Store
	now      func() time.Time
	logger   *slog.Logger
}

// LocalOption configures a LocalPersistence.
type LocalOption func(*LocalPersistence)

// WithLocalLogger sets the logger.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *LocalPersistence) {
		l.logger = logger
	}
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) LocalOption {
	return func(l *LocalPersistence) {
		l.now = now
	}
}

// NewLocalPersistence creates a LocalPersistence over store and payloads.
func NewLocalPersistence(store localstore.Store, payloads payload.Store, opts ...LocalOption) *LocalPersistence {
	l := &LocalPersistence{
		store:    store,
		payloads: payloads,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Buckets returns the number of buckets of the underlying store.
func (l *LocalPersistence) Buckets() int {
	return l.store.Buckets()
}

func (l *LocalPersistence) read(topic string, bucket int) (*Message, error) {
	v, err := l.store.Get(topic, bucket)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	msg, err := unmarshalMessage(v)
	if err != nil {
		return nil, fmt.Errorf("topic %q: %w", topic, err)
	}
	return msg, nil
}

// Get returns the retained message of topic without its payload bytes, or
// nil if none is stored or it has expired.
func (l *LocalPersistence) Get(topic string, bucket int) (*Message, error) {
	msg, err := l.read(topic, bucket)
	if err != nil || msg == nil {
		return nil, err
	}
	if msg.Expired(l.now()) {
		return nil, nil
	}
	return msg, nil
}

// Put stores msg for topic. The caller must already hold a payload reference
// for msg.PayloadID; the reference of a replaced message is released.
func (l *LocalPersistence) Put(ctx context.Context, topic string, msg *Message, bucket int) error {
	previous, err := l.read(topic, bucket)
	if err != nil {
		return err
	}
	if err := l.store.Put(topic, marshalMessage(msg), bucket); err != nil {
		return err
	}
	if previous != nil {
		l.release(ctx, topic, previous.PayloadID)
	}
	return nil
}

// Remove deletes the retained message of topic and releases its payload.
// Removing a missing topic is not an error.
func (l *LocalPersistence) Remove(ctx context.Context, topic string, bucket int) error {
	previous, err := l.read(topic, bucket)
	if err != nil || previous == nil {
		return err
	}
	if err := l.store.Remove(topic, bucket); err != nil {
		return err
	}
	l.release(ctx, topic, previous.PayloadID)
	return nil
}

func (l *LocalPersistence) release(ctx context.Context, topic string, id uint64) {
	if err := l.payloads.DecrementReferenceCounter(ctx, id); err != nil {
		l.logger.Warn("failed to release retained payload", "topic", topic, "payload_id", id, "error", err)
	}
}

// GetAllTopics returns the unexpired topics of bucket matching filter.
func (l *LocalPersistence) GetAllTopics(filter string, bucket int) ([]string, error) {
	now := l.now()
	var topics []string
	err := l.store.ForEach(bucket, func(topic string, value []byte) error {
		if !Matches(filter, topic) {
			return nil
		}
		msg, err := unmarshalMessage(value)
		if err != nil {
			return fmt.Errorf("topic %q: %w", topic, err)
		}
		if !msg.Expired(now) {
			topics = append(topics, topic)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topics, nil
}

// Size returns the number of retained messages stored in bucket, including
// expired ones not yet cleaned up.
func (l *LocalPersistence) Size(bucket int) (int, error) {
	return l.store.Size(bucket)
}

// CleanUp removes expired messages from bucket and returns how many were
// removed.
func (l *LocalPersistence) CleanUp(ctx context.Context, bucket int) (int, error) {
	now := l.now()
	expired := make(map[string]uint64)
	err := l.store.ForEach(bucket, func(topic string, value []byte) error {
		msg, err := unmarshalMessage(value)
		if err != nil {
			l.logger.Warn("dropping unreadable retained message", "topic", topic, "bucket", bucket, "error", err)
			expired[topic] = 0
			return nil
		}
		if msg.Expired(now) {
			expired[topic] = msg.PayloadID
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for topic, id := range expired {
		if err := l.store.Remove(topic, bucket); err != nil {
			return 0, err
		}
		if id != 0 {
			l.release(ctx, topic, id)
		}
	}
	return len(expired), nil
}

// Clear removes every message of bucket and releases their payloads.
func (l *LocalPersistence) Clear(ctx context.Context, bucket int) error {
	var ids []uint64
	err := l.store.ForEach(bucket, func(_ string, value []byte) error {
		if msg, err := unmarshalMessage(value); err == nil {
			ids = append(ids, msg.PayloadID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := l.store.Clear(bucket); err != nil {
		return err
	}
	for _, id := range ids {
		l.release(ctx, "", id)
	}
	return nil
}

// CloseDB closes bucket's partition.
func (l *LocalPersistence) CloseDB(bucket int) error {
	return l.store.CloseDB(bucket)
}

// GetAllRetainedMessagesChunk returns up to maxResults unexpired messages of
// bucket sorted after lastKey, with payload bytes loaded.
func (l *LocalPersistence) GetAllRetainedMessagesChunk(ctx context.Context, bucket int, lastKey string, maxResults int) (chunk.BucketChunk[Entry], error) {
	result := chunk.BucketChunk[Entry]{Bucket: bucket, LastKey: lastKey}
	now := l.now()

	// Expired entries are skipped, so keep paging until maxResults live
	// entries were found or the bucket is exhausted.
	for len(result.Items) < maxResults {
		want := maxResults - len(result.Items)
		page, err := l.store.Iterate(bucket, result.LastKey, want)
		if err != nil {
			return result, err
		}
		for _, e := range page {
			result.LastKey = e.Key
			msg, err := unmarshalMessage(e.Value)
			if err != nil {
				return result, fmt.Errorf("topic %q: %w", e.Key, err)
			}
			if msg.Expired(now) {
				continue
			}
			msg.Payload, err = l.payloads.Get(ctx, msg.PayloadID)
			if err != nil {
				return result, fmt.Errorf("topic %q payload %d: %w", e.Key, msg.PayloadID, err)
			}
			result.Items = append(result.Items, Entry{Topic: e.Key, Message: msg})
		}
		if len(page) < want {
			result.Finished = true
			break
		}
	}
	return result, nil
}
