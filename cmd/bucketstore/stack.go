package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/wolfeidau/bucketstore/config"
	"github.com/wolfeidau/bucketstore/retained"
	"github.com/wolfeidau/bucketstore/store/localstore"
	"github.com/wolfeidau/bucketstore/store/payload"
	"github.com/wolfeidau/bucketstore/store/s3fifo"
	"github.com/wolfeidau/bucketstore/telemetry"
	"github.com/wolfeidau/bucketstore/writer"
)

// stack is the wired storage engine shared by every command.
type stack struct {
	logger   *slog.Logger
	local    localstore.Store
	payloads *payload.Bolt
	cache    *s3fifo.Cache
	writer   *writer.Writer
	retained *retained.Persistence
	cleanup  *retained.CleanupScheduler
}

func openStack(cfg *config.Config, logger *slog.Logger, instrumented bool) (*stack, error) {
	fsync, err := localstore.ParseFsyncMode(cfg.Storage.Fsync)
	if err != nil {
		return nil, err
	}
	storeOpts := []localstore.Option{
		localstore.WithLogger(logger.With("component", "localstore")),
		localstore.WithFsync(fsync, cfg.Storage.FsyncInterval),
	}
	if cfg.Storage.NoSync {
		storeOpts = append(storeOpts, localstore.WithNoSync())
	}
	if instrumented {
		storeOpts = append(storeOpts, localstore.WithInstrumentation())
	}

	st := &stack{logger: logger}

	st.local, err = localstore.Open(cfg.Storage.Engine, filepath.Join(cfg.Storage.Dir, "retained"), "retained", cfg.Writer.BucketCount, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	st.payloads, err = payload.OpenBolt(filepath.Join(cfg.Storage.Dir, "payloads.db"),
		payload.WithLogger(logger.With("component", "payload")),
		payload.WithNoSync(cfg.Storage.NoSync),
		payload.WithCompressionThreshold(cfg.Payload.CompressionThreshold),
	)
	if err != nil {
		_ = st.local.Close()
		return nil, fmt.Errorf("opening payload store: %w", err)
	}

	writerOpts := []writer.Option{writer.WithLogger(logger.With("component", "writer"))}
	if instrumented {
		writerOpts = append(writerOpts, writer.WithMeter(telemetry.Meter()))
	}
	st.writer, err = writer.New(writer.Config{
		BucketCount:         cfg.Writer.BucketCount,
		Threads:             cfg.Writer.Threads,
		CreditsPerExecution: cfg.Writer.CreditsPerExecution,
		ShutdownGracePeriod: cfg.Writer.ShutdownGracePeriod,
		CheckInterval:       cfg.Writer.CheckInterval,
	}, []string{retained.ProducerName}, writerOpts...)
	if err != nil {
		st.closeStores()
		return nil, fmt.Errorf("creating writer: %w", err)
	}

	var payloads payload.Store = st.payloads
	if cfg.Payload.CacheBytes > 0 {
		st.cache = s3fifo.New(s3fifo.Config{
			MaxSize: int64(cfg.Payload.CacheBytes),
			Logger:  logger.With("component", "payload-cache"),
		})
		payloads = payload.NewCached(st.payloads, st.cache)
	}

	local := retained.NewLocalPersistence(st.local, payloads, retained.WithLocalLogger(logger.With("component", "retained")))
	st.retained, err = retained.New(st.writer, local, payloads, retainedConfig(cfg), retained.WithLogger(logger.With("component", "retained")))
	if err != nil {
		st.writer.Stop()
		st.closeStores()
		return nil, err
	}
	st.cleanup = retained.NewCleanupScheduler(st.retained, cfg.Retained.CleanupInterval, logger.With("component", "retained-cleanup"))
	return st, nil
}

// close closes the bucket partitions on their writers, stops the writer and
// closes the stores.
func (st *stack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := st.retained.CloseDB().Wait(ctx); err != nil {
		st.logger.Warn("closing retained buckets failed", "error", err)
	}
	st.writer.Stop()
	st.closeStores()
}

func (st *stack) closeStores() {
	if err := st.payloads.Close(); err != nil {
		st.logger.Warn("closing payload store failed", "error", err)
	}
	if err := st.local.Close(); err != nil {
		st.logger.Warn("closing local store failed", "error", err)
	}
}
