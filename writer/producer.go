package writer

import (
	"fmt"
	"time"
)

// Producer is one store's set of bucket queues (e.g. retained messages).
// Submissions for different producers never share a queue but share the
// drain loop pool.
type Producer struct {
	name   string
	w      *Writer
	queues []*queue
}

// Name returns the producer name.
func (p *Producer) Name() string {
	return p.name
}

// Buckets returns the number of buckets.
func (p *Producer) Buckets() int {
	return len(p.queues)
}

// BucketOf returns the bucket a key is routed to.
func (p *Producer) BucketOf(key string) int {
	return p.w.router.BucketOf(key)
}

// Pending returns the number of queued tasks across all buckets.
func (p *Producer) Pending() int {
	n := 0
	for _, q := range p.queues {
		n += q.len()
	}
	return n
}

// Submit routes key to its bucket and enqueues fn there.
// Tasks for keys of the same bucket run in submission order.
func Submit[T any](p *Producer, key string, fn Task[T]) *Future[T] {
	return SubmitBucket(p, p.BucketOf(key), fn)
}

// SubmitBucket enqueues fn on the given bucket, bypassing routing.
func SubmitBucket[T any](p *Producer, bucket int, fn Task[T]) *Future[T] {
	if bucket < 0 || bucket >= len(p.queues) {
		return Failed[T](fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidBucket, bucket, len(p.queues)))
	}
	if fn == nil {
		return Failed[T](ErrNilTask)
	}

	f := newFuture[T]()
	j := &job[T]{fn: fn, future: f, enqueued: time.Now()}
	if err := p.queues[bucket].push(p.w, j); err != nil {
		return Failed[T](err)
	}
	return f
}

// SubmitToAllBucketsParallel enqueues one task per bucket, created by
// factory, and returns the futures indexed by bucket. Each task is ordered
// relative to other submissions on its own bucket only.
func SubmitToAllBucketsParallel[T any](p *Producer, factory func(bucket int) Task[T]) []*Future[T] {
	futures := make([]*Future[T], len(p.queues))
	for b := range p.queues {
		futures[b] = SubmitBucket(p, b, factory(b))
	}
	return futures
}
