// Package writer implements the single-writer execution core.
//
// Every producer (retained messages, client sessions, ...) owns one FIFO queue
// per bucket. A bounded pool of drain loops services the queues round-robin;
// a loop leases one queue at a time, runs at most CreditsPerExecution tasks
// from it and moves on. Because a queue is leased by at most one loop at a
// time, no two tasks of the same bucket ever run concurrently and store
// implementations need no locking of their own.
//
// Concurrency model:
//   - Submissions never block; they append to the bucket queue under a short
//     mutex and return a Future.
//   - When a queue goes from empty to non-empty, the non-empty counter is
//     incremented and a drain loop is woken if fewer than Threads run.
//   - A checker goroutine periodically wakes a loop if work is pending but no
//     loop runs.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/bucketstore/bucket"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrShutdown resolves futures submitted after Stop was called.
	ErrShutdown = errors.New("writer: shut down")

	// ErrInvalidBucket resolves futures submitted for an out-of-range bucket.
	ErrInvalidBucket = errors.New("writer: invalid bucket index")

	// ErrNilTask resolves futures submitted without a task.
	ErrNilTask = errors.New("writer: nil task")

	// ErrTaskPanic wraps a panic recovered from a task.
	ErrTaskPanic = errors.New("writer: task panicked")

	// ErrUnknownProducer is returned by New for duplicate or empty producer names.
	ErrUnknownProducer = errors.New("writer: invalid producer")
)

// Config configures the single-writer core.
type Config struct {
	BucketCount         int           // Number of buckets per producer, power of two (default: 64)
	Threads             int           // Maximum concurrent drain loops (default: 4)
	CreditsPerExecution int           // Tasks run per bucket visit (default: 50)
	ShutdownGracePeriod time.Duration // How long Stop waits for queues to drain (default: 5s)
	CheckInterval       time.Duration // How often to look for stalled queues (default: 1s)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BucketCount:         64,
		Threads:             4,
		CreditsPerExecution: 50,
		ShutdownGracePeriod: 5 * time.Second,
		CheckInterval:       time.Second,
	}
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithMeter enables metrics using the given meter.
func WithMeter(meter metric.Meter) Option {
	return func(w *Writer) {
		w.meter = meter
	}
}

// withExecutor replaces the goroutine executor. Used by tests.
func withExecutor(e executor) Option {
	return func(w *Writer) {
		w.exec = e
	}
}

// executor runs drain loops.
type executor interface {
	Go(fn func())
	Shutdown(ctx context.Context) error
}

type goroutineExecutor struct {
	wg sync.WaitGroup
}

func (e *goroutineExecutor) Go(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *goroutineExecutor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Writer is the single-writer core shared by all producers.
type Writer struct {
	config    Config
	router    *bucket.Router
	producers map[string]*Producer
	queues    []*queue // all producers' queues, visited round-robin
	logger    *slog.Logger
	meter     metric.Meter
	metrics   *Metrics
	exec      executor

	nonEmpty   atomic.Int64
	running    atomic.Int64
	wakeups    atomic.Uint64 // bumped on every empty to non-empty transition
	nextOffset atomic.Uint64
	closed     atomic.Bool
	terminated atomic.Bool

	stopOnce    sync.Once
	stopCh      chan struct{}
	checkerDone chan struct{}
}

// New creates a Writer with one set of bucket queues per producer name and
// starts its checker.
//
// BucketCount must be a power of two. Threads is normalised with
// bucket.ValidAmountOfQueues so every loop can be given an even share.
func New(cfg Config, producers []string, opts ...Option) (*Writer, error) {
	def := DefaultConfig()
	if cfg.BucketCount == 0 {
		cfg.BucketCount = def.BucketCount
	}
	if cfg.Threads <= 0 {
		cfg.Threads = def.Threads
	}
	if cfg.CreditsPerExecution <= 0 {
		cfg.CreditsPerExecution = def.CreditsPerExecution
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = def.ShutdownGracePeriod
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}

	router, err := bucket.NewRouter(cfg.BucketCount)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}
	cfg.Threads = bucket.ValidAmountOfQueues(cfg.Threads, cfg.BucketCount)

	if len(producers) == 0 {
		return nil, fmt.Errorf("%w: at least one producer is required", ErrUnknownProducer)
	}

	w := &Writer{
		config:      cfg,
		router:      router,
		producers:   make(map[string]*Producer, len(producers)),
		logger:      slog.Default(),
		exec:        &goroutineExecutor{},
		stopCh:      make(chan struct{}),
		checkerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, name := range producers {
		if name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrUnknownProducer)
		}
		if _, ok := w.producers[name]; ok {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrUnknownProducer, name)
		}
		p := &Producer{name: name, w: w, queues: make([]*queue, cfg.BucketCount)}
		for b := range p.queues {
			q := &queue{producer: p, bucket: b}
			p.queues[b] = q
			w.queues = append(w.queues, q)
		}
		w.producers[name] = p
	}

	if w.meter != nil {
		metrics, err := NewMetrics(w.meter, w)
		if err != nil {
			w.logger.Error("failed to create writer metrics", "error", err)
		} else {
			w.metrics = metrics
		}
	}

	go w.check()

	w.logger.Debug("single writer started",
		"buckets", cfg.BucketCount,
		"threads", cfg.Threads,
		"credits_per_execution", cfg.CreditsPerExecution,
		"producers", producers,
	)
	return w, nil
}

// Producer returns the queues registered under name, or nil.
func (w *Writer) Producer(name string) *Producer {
	return w.producers[name]
}

// Config returns the effective configuration.
func (w *Writer) Config() Config {
	return w.config
}

// Router returns the bucket router shared by all producers.
func (w *Writer) Router() *bucket.Router {
	return w.router
}

// NonEmptyQueues returns the number of bucket queues holding pending tasks.
func (w *Writer) NonEmptyQueues() int64 {
	return w.nonEmpty.Load()
}

// RunningWorkers returns the number of drain loops currently awake.
func (w *Writer) RunningWorkers() int64 {
	return w.running.Load()
}

// Terminated reports whether Stop completed.
func (w *Writer) Terminated() bool {
	return w.terminated.Load()
}

// incrementNonemptyQueueCounter records a queue going from empty to non-empty
// and wakes a drain loop if the pool is not saturated.
func (w *Writer) incrementNonemptyQueueCounter() {
	w.nonEmpty.Add(1)
	w.wakeups.Add(1)
	w.wake()
}

func (w *Writer) decrementNonemptyQueueCounter() {
	w.nonEmpty.Add(-1)
}

func (w *Writer) wake() {
	if w.terminated.Load() || !w.tryAcquireWorker() {
		return
	}
	w.exec.Go(w.drain)
}

func (w *Writer) tryAcquireWorker() bool {
	limit := int64(w.config.Threads)
	for {
		n := w.running.Load()
		if n >= limit {
			return false
		}
		if w.running.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// drain is the body of a drain loop. It holds one running slot for as long
// as it finds work.
func (w *Writer) drain() {
	n := len(w.queues)
	cursor := int(w.nextOffset.Add(1) % uint64(n)) //nolint:gosec // bounded by n

	for {
		seen := w.wakeups.Load()

		if w.nonEmpty.Load() <= 0 {
			if w.releaseWorker(seen) {
				continue
			}
			return
		}

		progressed := false
		for i := 0; i < n; i++ {
			if w.queues[(cursor+i)%n].drain(w) {
				progressed = true
			}
		}
		cursor = (cursor + 1) % n

		if !progressed {
			// Every pending queue is leased by another loop, which keeps
			// running until its queues are empty.
			if w.releaseWorker(seen) {
				continue
			}
			return
		}
	}
}

// releaseWorker gives up the caller's running slot. It reports true when the
// slot was taken back because a queue became non-empty after seen was read:
// that submission's wake may have found the pool saturated by the caller.
func (w *Writer) releaseWorker(seen uint64) bool {
	w.running.Add(-1)
	if w.wakeups.Load() == seen || w.terminated.Load() {
		return false
	}
	return w.nonEmpty.Load() > 0 && w.tryAcquireWorker()
}

// check wakes a drain loop whenever work is pending and nobody runs.
func (w *Writer) check() {
	defer close(w.checkerDone)

	ticker := time.NewTicker(w.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.nonEmpty.Load() > 0 && w.running.Load() == 0 {
				w.logger.Debug("waking stalled single writer", "non_empty_queues", w.nonEmpty.Load())
				w.wake()
			}
		case <-w.stopCh:
			return
		}
	}
}

// Stop stops accepting submissions, waits up to ShutdownGracePeriod for the
// queues to drain and cancels whatever is still queued afterwards.
// Lifecycle problems are logged, never returned. Stop is idempotent.
func (w *Writer) Stop() {
	w.stopOnce.Do(w.stop)
}

func (w *Writer) stop() {
	start := time.Now()
	w.logger.Debug("stopping single writer", "grace_period", w.config.ShutdownGracePeriod)

	w.closed.Store(true)
	close(w.stopCh)
	<-w.checkerDone

	deadline := start.Add(w.config.ShutdownGracePeriod)
	poll := time.NewTicker(5 * time.Millisecond)
	for w.nonEmpty.Load() > 0 && time.Now().Before(deadline) {
		// Queues may still hold work with no loop awake (e.g. a saturated
		// pool that just parked).
		w.wake()
		<-poll.C
	}
	poll.Stop()

	if pending := w.nonEmpty.Load(); pending > 0 {
		cancelled := w.cancelQueued()
		w.logger.Warn("single writer did not drain within grace period, cancelled queued tasks",
			"non_empty_queues", pending,
			"cancelled", cancelled,
		)
	}

	w.terminated.Store(true)

	wait := time.Until(deadline)
	if wait < 100*time.Millisecond {
		wait = 100 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := w.exec.Shutdown(ctx); err != nil {
		w.logger.Error("single writer workers did not terminate", "error", err)
	}

	w.logger.Debug("single writer stopped", "duration", time.Since(start))
}

// cancelQueued cancels every task still waiting in a queue.
func (w *Writer) cancelQueued() int {
	cancelled := 0
	for _, q := range w.queues {
		for _, t := range q.takeAll(w) {
			if t.cancel(ErrShutdown) {
				cancelled++
				w.metrics.recordTask(context.Background(), q.producer.name, outcomeCancelled, 0)
			}
		}
	}
	return cancelled
}

// Stats is a point-in-time view of the core for health reporting.
type Stats struct {
	Buckets             int            `json:"buckets"`
	Threads             int            `json:"threads"`
	CreditsPerExecution int            `json:"credits_per_execution"`
	NonEmptyQueues      int64          `json:"non_empty_queues"`
	RunningWorkers      int64          `json:"running_workers"`
	Pending             map[string]int `json:"pending"`
	Terminated          bool           `json:"terminated"`
}

// Stats returns the current statistics.
func (w *Writer) Stats() Stats {
	s := Stats{
		Buckets:             w.config.BucketCount,
		Threads:             w.config.Threads,
		CreditsPerExecution: w.config.CreditsPerExecution,
		NonEmptyQueues:      w.nonEmpty.Load(),
		RunningWorkers:      w.running.Load(),
		Pending:             make(map[string]int, len(w.producers)),
		Terminated:          w.terminated.Load(),
	}
	for name, p := range w.producers {
		s.Pending[name] = p.Pending()
	}
	return s
}
