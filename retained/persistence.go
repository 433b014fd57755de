// Package retained persists MQTT retained messages on the bucketed
// single-writer core.
//
// Every topic is routed to one bucket and all reads and writes of that bucket
// run on its single writer, so operations on one topic are applied in
// submission order without locking. Payload bytes are stored once in a
// reference-counted payload store and shared by the messages pointing at them.
package retained

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/wolfeidau/bucketstore/chunk"
	"github.com/wolfeidau/bucketstore/store/payload"
	"github.com/wolfeidau/bucketstore/telemetry"
	"github.com/wolfeidau/bucketstore/writer"
)

// ProducerName is the writer producer retained messages are submitted to.
const ProducerName = "retained"

// DefaultMaxChunkMemory bounds the bytes returned by one export chunk.
const DefaultMaxChunkMemory = 5 << 20

var (
	// ErrNilMessage is returned when persisting a nil message.
	ErrNilMessage = errors.New("retained: message must not be nil")

	// ErrBucketMismatch is returned by New when the local store and the writer
	// disagree on the number of buckets.
	ErrBucketMismatch = errors.New("retained: bucket count mismatch")
)

// Config configures a Persistence.
type Config struct {
	MaxChunkMemory int          // Byte budget of one export chunk (default: 5MiB)
	Chunk          chunk.Config // Per-bucket fetch sizing
}

// Option configures a Persistence.
type Option func(*Persistence)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Persistence) {
		p.logger = logger
	}
}

// WithIDGenerator sets the generator used for messages persisted without a
// payload id.
func WithIDGenerator(ids *payload.IDGenerator) Option {
	return func(p *Persistence) {
		p.ids = ids
	}
}

// Persistence is the asynchronous retained message store.
type Persistence struct {
	producer       *writer.Producer
	local          *LocalPersistence
	payloads       payload.Store
	chunker        *chunk.Chunker
	ids            *payload.IDGenerator
	maxChunkMemory int
	logger         *slog.Logger
}

// New creates a Persistence submitting to the ProducerName producer of w.
func New(w *writer.Writer, local *LocalPersistence, payloads payload.Store, cfg Config, opts ...Option) (*Persistence, error) {
	producer := w.Producer(ProducerName)
	if producer == nil {
		return nil, fmt.Errorf("%w: writer has no %q producer", writer.ErrUnknownProducer, ProducerName)
	}
	if producer.Buckets() != local.Buckets() {
		return nil, fmt.Errorf("%w: writer has %d, store has %d", ErrBucketMismatch, producer.Buckets(), local.Buckets())
	}
	if cfg.MaxChunkMemory <= 0 {
		cfg.MaxChunkMemory = DefaultMaxChunkMemory
	}
	if cfg.Chunk == (chunk.Config{}) {
		cfg.Chunk = chunk.DefaultConfig()
	}

	p := &Persistence{
		producer:       producer,
		local:          local,
		payloads:       payloads,
		ids:            payload.NewIDGenerator(time.Now()),
		maxChunkMemory: cfg.MaxChunkMemory,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.chunker = chunk.New(producer, cfg.Chunk, chunk.WithLogger(p.logger))
	return p, nil
}

// Buckets returns the number of buckets.
func (p *Persistence) Buckets() int {
	return p.producer.Buckets()
}

// BucketOf returns the bucket topic is stored in.
func (p *Persistence) BucketOf(topic string) int {
	return p.producer.BucketOf(topic)
}

func observe(op string, start time.Time, err error) {
	telemetry.RecordRetainedOp(context.Background(), op, telemetry.Outcome(err), time.Since(start))
}

func rejected[T any](op string, err error) *writer.Future[T] {
	telemetry.RecordRetainedOp(context.Background(), op, "rejected", 0)
	return writer.Failed[T](err)
}

// Get returns the retained message of topic with its payload loaded, or nil if
// none is stored. A returned message holds a payload reference which the
// caller gives back with Release once delivered.
func (p *Persistence) Get(topic string) *writer.Future[*Message] {
	if err := ValidateTopic(topic); err != nil {
		return rejected[*Message]("get", err)
	}

	start := time.Now()
	return writer.Submit(p.producer, topic, func(bucket int) (msg *Message, err error) {
		defer func() { observe("get", start, err) }()

		ctx := context.Background()
		msg, err = p.local.Get(topic, bucket)
		if err != nil || msg == nil {
			return nil, err
		}
		if err := p.payloads.IncrementReferenceCounter(ctx, msg.PayloadID); err != nil {
			return nil, fmt.Errorf("reference payload %d of %q: %w", msg.PayloadID, topic, err)
		}
		msg.Payload, err = p.payloads.Get(ctx, msg.PayloadID)
		if err != nil {
			p.local.release(ctx, topic, msg.PayloadID)
			return nil, fmt.Errorf("load payload %d of %q: %w", msg.PayloadID, topic, err)
		}
		return msg, nil
	})
}

// Release gives back the payload reference held by a message returned from Get.
func (p *Persistence) Release(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrNilMessage
	}
	return p.payloads.DecrementReferenceCounter(ctx, msg.PayloadID)
}

// Discard gives up on the result of a Get the caller stopped waiting for. A
// task still queued is cancelled; otherwise the reference it takes is
// released once it resolves.
func (p *Persistence) Discard(f *writer.Future[*Message]) {
	if f.Cancel() {
		return
	}
	go func() {
		<-f.Done()
		msg, err := f.Result()
		if err != nil || msg == nil {
			return
		}
		if err := p.Release(context.Background(), msg); err != nil {
			p.logger.Warn("failed to release discarded payload", "payload_id", msg.PayloadID, "error", err)
		}
	}()
}

// Persist stores msg as the retained message of topic, replacing any previous
// one.
//
// The payload reference is taken before the write is queued so the payload
// cannot be reaped while the write is pending. It is given back if the write
// fails or never runs.
func (p *Persistence) Persist(topic string, msg *Message) *writer.Future[struct{}] {
	if err := ValidateTopic(topic); err != nil {
		return rejected[struct{}]("persist", err)
	}
	if msg == nil {
		return rejected[struct{}]("persist", ErrNilMessage)
	}

	ctx := context.Background()
	stored := *msg
	if stored.PayloadID == 0 {
		stored.PayloadID = p.ids.Next()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	if err := p.payloads.Add(ctx, stored.Payload, stored.PayloadID); err != nil {
		return rejected[struct{}]("persist", fmt.Errorf("add payload of %q: %w", topic, err))
	}
	stored.Payload = nil

	start := time.Now()
	f := writer.Submit(p.producer, topic, func(bucket int) (_ struct{}, err error) {
		defer func() { observe("persist", start, err) }()

		if err := p.local.Put(ctx, topic, &stored, bucket); err != nil {
			p.local.release(ctx, topic, stored.PayloadID)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})

	go func() {
		<-f.Done()
		_, err := f.Result()
		if errors.Is(err, writer.ErrShutdown) || errors.Is(err, writer.ErrCancelled) || errors.Is(err, writer.ErrTaskPanic) {
			p.local.release(ctx, topic, stored.PayloadID)
		}
	}()
	return f
}

// Remove deletes the retained message of topic.
func (p *Persistence) Remove(topic string) *writer.Future[struct{}] {
	if err := ValidateTopic(topic); err != nil {
		return rejected[struct{}]("remove", err)
	}

	start := time.Now()
	return writer.Submit(p.producer, topic, func(bucket int) (_ struct{}, err error) {
		defer func() { observe("remove", start, err) }()
		return struct{}{}, p.local.Remove(context.Background(), topic, bucket)
	})
}

// GetWithWildcards returns the sorted, de-duplicated topics matching filter
// across all buckets.
func (p *Persistence) GetWithWildcards(filter string) *writer.Future[[]string] {
	if err := ValidateFilter(filter); err != nil {
		return rejected[[]string]("get_wildcards", err)
	}

	start := time.Now()
	futures := writer.SubmitToAllBucketsParallel(p.producer, func(int) writer.Task[[]string] {
		return func(bucket int) ([]string, error) {
			return p.local.GetAllTopics(filter, bucket)
		}
	})
	return writer.Then(observeAll("get_wildcards", start, futures), func(perBucket [][]string) ([]string, error) {
		var topics []string
		for _, t := range perBucket {
			topics = append(topics, t...)
		}
		slices.Sort(topics)
		return slices.Compact(topics), nil
	})
}

// Size returns the number of retained messages across all buckets.
func (p *Persistence) Size() *writer.Future[int] {
	start := time.Now()
	futures := writer.SubmitToAllBucketsParallel(p.producer, func(int) writer.Task[int] {
		return p.local.Size
	})
	return writer.Then(observeAll("size", start, futures), sum)
}

// CleanUp removes expired messages from bucket and resolves with the number
// removed.
func (p *Persistence) CleanUp(bucket int) *writer.Future[int] {
	start := time.Now()
	return writer.SubmitBucket(p.producer, bucket, func(bucket int) (n int, err error) {
		defer func() { observe("cleanup", start, err) }()
		return p.local.CleanUp(context.Background(), bucket)
	})
}

// CleanUpAll runs CleanUp on every bucket and resolves with the total removed.
func (p *Persistence) CleanUpAll() *writer.Future[int] {
	futures := make([]*writer.Future[int], p.Buckets())
	for b := range futures {
		futures[b] = p.CleanUp(b)
	}
	return writer.Then(writer.All(futures), sum)
}

// Clear removes every retained message.
func (p *Persistence) Clear() *writer.Future[struct{}] {
	start := time.Now()
	futures := writer.SubmitToAllBucketsParallel(p.producer, func(int) writer.Task[struct{}] {
		return func(bucket int) (struct{}, error) {
			return struct{}{}, p.local.Clear(context.Background(), bucket)
		}
	})
	return discard(observeAll("clear", start, futures))
}

// CloseDB closes every bucket's partition. Queued operations submitted before
// CloseDB still run first.
func (p *Persistence) CloseDB() *writer.Future[struct{}] {
	start := time.Now()
	futures := writer.SubmitToAllBucketsParallel(p.producer, func(int) writer.Task[struct{}] {
		return func(bucket int) (struct{}, error) {
			return struct{}{}, p.local.CloseDB(bucket)
		}
	})
	return discard(observeAll("close", start, futures))
}

// GetAllLocalRetainedMessagesChunk returns the next chunk of retained messages
// after cursor. Pass the returned cursor to the next call until the result is
// Finished. Every unexpired message present for the whole export is returned
// exactly once.
func (p *Persistence) GetAllLocalRetainedMessagesChunk(cursor chunk.Cursor) *writer.Future[chunk.MultipleChunkResult[Entry]] {
	start := time.Now()
	fetch := func(bucket int, lastKey string, maxResults int) (chunk.BucketChunk[Entry], error) {
		return p.local.GetAllRetainedMessagesChunk(context.Background(), bucket, lastKey, maxResults)
	}
	f := chunk.GetAllLocalChunk(p.chunker, cursor, p.maxChunkMemory, fetch, Entry.EstimatedSize)
	return writer.Then(f, func(r chunk.MultipleChunkResult[Entry]) (chunk.MultipleChunkResult[Entry], error) {
		observe("chunk", start, nil)
		return r, nil
	})
}

func observeAll[T any](op string, start time.Time, futures []*writer.Future[T]) *writer.Future[[]T] {
	all := writer.All(futures)
	go func() {
		<-all.Done()
		_, err := all.Result()
		observe(op, start, err)
	}()
	return all
}

func sum(counts []int) (int, error) {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

func discard[T any](f *writer.Future[[]T]) *writer.Future[struct{}] {
	return writer.Then(f, func([]T) (struct{}, error) { return struct{}{}, nil })
}
