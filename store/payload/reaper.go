package payload

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/bucketstore/telemetry"
)

// Reaper runs periodic deletion of unreferenced payloads.
type Reaper struct {
	store     *Bolt
	interval  time.Duration
	grace     time.Duration
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the cleanup interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperGrace sets how long a payload must stay unreferenced before it
// is deleted.
func WithReaperGrace(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.grace = d
	}
}

// WithReaperBatchSize sets the maximum payloads deleted per reap cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a new payload reaper with the given options.
// Defaults: interval=1m, grace=5m, batchSize=500.
func NewReaper(store *Bolt, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:     store,
		interval:  time.Minute,
		grace:     5 * time.Minute,
		batchSize: 500,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reaper loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("payload reaper started", "interval", r.interval, "grace", r.grace, "batchSize", r.batchSize)

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("payload reaper stopped")
			return
		case <-ticker.C:
			r.reapBatch(ctx)
		}
	}
}

func (r *Reaper) reapBatch(ctx context.Context) int {
	start := time.Now()
	var deleted int
	defer func() {
		telemetry.RecordReaperCycle(ctx, "payload", deleted, time.Since(start))
	}()

	deleted, err := r.store.DeleteUnreferenced(ctx, r.store.now().Add(-r.grace), r.batchSize)
	if err != nil {
		r.logger.Error("failed to delete unreferenced payloads", "error", err)
		return deleted
	}
	if deleted > 0 {
		r.logger.Info("unreferenced payloads reaped", "deleted", deleted)
	}
	return deleted
}

// ReapNow runs a single reap cycle immediately and returns the number of
// payloads deleted.
func (r *Reaper) ReapNow(ctx context.Context) int {
	return r.reapBatch(ctx)
}
