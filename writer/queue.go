package writer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomePanic     = "panic"
	outcomeCancelled = "cancelled"
)

// Task is the unit of work run on a bucket's single writer.
// It receives the bucket index it runs for.
type Task[T any] func(bucket int) (T, error)

// task is the type-erased view of a queued job.
type task interface {
	run(bucket int) (outcome string, err error)
	cancel(cause error) bool
	enqueuedAt() time.Time
}

type job[T any] struct {
	fn       Task[T]
	future   *Future[T]
	enqueued time.Time
}

func (j *job[T]) enqueuedAt() time.Time {
	return j.enqueued
}

func (j *job[T]) cancel(cause error) bool {
	return j.future.cancel(cause)
}

func (j *job[T]) run(bucket int) (outcome string, err error) {
	if !j.future.start() {
		return outcomeCancelled, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
			outcome = outcomePanic
			var zero T
			j.future.finish(zero, err)
		}
	}()

	v, err := j.fn(bucket)
	j.future.finish(v, err)
	if err != nil {
		return outcomeError, err
	}
	return outcomeSuccess, nil
}

// queue is the FIFO of one producer's bucket.
type queue struct {
	producer *Producer
	bucket   int

	// leased is held by the drain loop currently executing this queue.
	leased atomic.Bool

	mu    sync.Mutex
	tasks []task
}

func (q *queue) push(w *Writer, t task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w.closed.Load() {
		return ErrShutdown
	}
	q.tasks = append(q.tasks, t)
	if len(q.tasks) == 1 {
		w.incrementNonemptyQueueCounter()
	}
	return nil
}

func (q *queue) pop(w *Writer) task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	if len(q.tasks) == 0 {
		q.tasks = nil
		w.decrementNonemptyQueueCounter()
	}
	return t
}

func (q *queue) takeAll(w *Writer) []task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil
	}
	tasks := q.tasks
	q.tasks = nil
	w.decrementNonemptyQueueCounter()
	return tasks
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// drain leases the queue and runs up to CreditsPerExecution tasks.
// It reports whether any task was taken off the queue.
func (q *queue) drain(w *Writer) bool {
	if !q.leased.CompareAndSwap(false, true) {
		return false
	}
	defer q.leased.Store(false)

	executed := 0
	for executed < w.config.CreditsPerExecution {
		t := q.pop(w)
		if t == nil {
			break
		}
		w.execute(q, t)
		executed++
	}
	return executed > 0
}

func (w *Writer) execute(q *queue, t task) {
	ctx := context.Background()
	start := time.Now()
	outcome, err := t.run(q.bucket)

	switch outcome {
	case outcomePanic:
		w.logger.Error("single writer task panicked",
			"producer", q.producer.name,
			"bucket", q.bucket,
			"error", err,
		)
	case outcomeError:
		w.logger.Debug("single writer task failed",
			"producer", q.producer.name,
			"bucket", q.bucket,
			"error", err,
		)
	}

	w.metrics.recordTask(ctx, q.producer.name, outcome, time.Since(start))
	w.metrics.recordQueueWait(ctx, q.producer.name, start.Sub(t.enqueuedAt()))
}
