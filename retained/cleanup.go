package retained

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/bucketstore/telemetry"
)

// DefaultCleanupInterval is how often expired retained messages are removed.
const DefaultCleanupInterval = time.Minute

// CleanupScheduler periodically removes expired retained messages, one bucket
// at a time, on the buckets' writers.
type CleanupScheduler struct {
	persistence *Persistence
	interval    time.Duration
	logger      *slog.Logger
}

// NewCleanupScheduler creates a scheduler for p. A non-positive interval uses
// DefaultCleanupInterval.
func NewCleanupScheduler(p *Persistence, interval time.Duration, logger *slog.Logger) *CleanupScheduler {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupScheduler{persistence: p, interval: interval, logger: logger}
}

// Run blocks until ctx is done, cleaning up every interval.
func (s *CleanupScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Debug("retained cleanup started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("retained cleanup stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce cleans up every bucket and returns the number of messages removed.
// Buckets are visited sequentially so cleanup never occupies more than one
// writer at a time.
func (s *CleanupScheduler) RunOnce(ctx context.Context) int {
	start := time.Now()
	removed := 0
	for b := 0; b < s.persistence.Buckets(); b++ {
		n, err := s.persistence.CleanUp(b).Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error("retained cleanup failed", "bucket", b, "error", err)
			continue
		}
		removed += n
	}

	telemetry.RecordReaperCycle(ctx, "retained", removed, time.Since(start))
	if removed > 0 {
		s.logger.Info("expired retained messages removed", "removed", removed, "duration", time.Since(start))
	}
	return removed
}
