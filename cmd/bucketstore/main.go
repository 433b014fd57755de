// Command bucketstore runs the bucketed retained message store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/bucketstore/bridge"
	"github.com/wolfeidau/bucketstore/chunk"
	"github.com/wolfeidau/bucketstore/config"
	"github.com/wolfeidau/bucketstore/retained"
	"github.com/wolfeidau/bucketstore/server"
	"github.com/wolfeidau/bucketstore/store/payload"
	"github.com/wolfeidau/bucketstore/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    string `help:"Path to the YAML config file." type:"path" env:"BUCKETSTORE_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error); overrides the config file."`
	LogFormat string `help:"Log format (text, json); overrides the config file."`
}

type cli struct {
	Globals

	Serve   ServeCmd         `cmd:"" default:"1" help:"Run the store with its admin API."`
	Export  ExportCmd        `cmd:"" help:"Write every retained message as JSON lines."`
	Stats   StatsCmd         `cmd:"" help:"Print store statistics."`
	Version kong.VersionFlag `help:"Print the version and exit."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("bucketstore"),
		kong.Description("Bucketed single-writer store for MQTT retained messages."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&c.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the configuration and builds the logger.
func (g *Globals) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, nil, err
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

// ServeCmd runs the store, the admin API, the background cleaners and the
// optional upstream bridge until interrupted.
type ServeCmd struct{}

func (s *ServeCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "bucketstore",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	st, err := openStack(cfg, logger, true)
	if err != nil {
		return err
	}
	defer st.close()

	srv, err := server.New(server.Config{
		Address:   cfg.HTTP.Address,
		AuthToken: cfg.HTTP.AuthToken,
		ReadToken: cfg.HTTP.ReadToken,
		Logger:    logger.With("component", "http"),
	}, server.Deps{
		Writer:   st.writer,
		Retained: st.retained,
		Cleanup:  st.cleanup,
		Payloads: st.payloads,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		st.cleanup.Run(gctx)
		return nil
	})
	group.Go(func() error {
		payload.NewReaper(st.payloads,
			payload.WithReaperInterval(cfg.Payload.ReapInterval),
			payload.WithReaperGrace(cfg.Payload.ReapGrace),
			payload.WithReaperLogger(logger.With("component", "payload-reaper")),
		).Run(gctx)
		return nil
	})

	if cfg.Bridge.Enabled {
		b, err := bridge.New(bridge.Config{
			Broker:   cfg.Bridge.Broker,
			ClientID: cfg.Bridge.ClientID,
			Username: cfg.Bridge.Username,
			Password: cfg.Bridge.Password,
			Filters:  cfg.Bridge.Filters,
			QoS:      byte(cfg.Bridge.QoS), //nolint:gosec // validated 0..2
		}, st.retained, bridge.WithLogger(logger.With("component", "bridge")))
		if err != nil {
			return fmt.Errorf("creating bridge: %w", err)
		}
		group.Go(func() error {
			return b.Run(gctx)
		})
	}

	logger.Info("bucketstore started",
		"version", version,
		"address", srv.Address(),
		"engine", cfg.Storage.Engine,
		"buckets", cfg.Writer.BucketCount,
		"bridge", cfg.Bridge.Enabled,
	)

	err = group.Wait()
	logger.Info("shutting down")
	return err
}

// ExportCmd writes every retained message as one JSON object per line.
type ExportCmd struct {
	Output string `help:"Output file; stdout when empty." short:"o" type:"path"`
}

func (e *ExportCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}

	st, err := openStack(cfg, logger, false)
	if err != nil {
		return err
	}
	defer st.close()

	out := os.Stdout
	if e.Output != "" {
		f, err := os.Create(e.Output)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)

	ctx := context.Background()
	cursor := chunk.Cursor{}
	total := 0
	for {
		result, err := st.retained.GetAllLocalRetainedMessagesChunk(cursor).Wait(ctx)
		if err != nil {
			return fmt.Errorf("exporting: %w", err)
		}
		for b := 0; b < st.retained.Buckets(); b++ {
			for _, entry := range result.Values[b] {
				if err := enc.Encode(entry); err != nil {
					return fmt.Errorf("writing export: %w", err)
				}
				total++
			}
		}
		if result.Finished {
			break
		}
		cursor = result.Cursor
	}

	logger.Info("export complete", "messages", total)
	return nil
}

// StatsCmd prints store statistics as JSON.
type StatsCmd struct{}

func (s *StatsCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}

	st, err := openStack(cfg, logger, false)
	if err != nil {
		return err
	}
	defer st.close()

	ctx := context.Background()
	size, err := st.retained.Size().Wait(ctx)
	if err != nil {
		return err
	}
	payloads, err := st.payloads.Stats(ctx)
	if err != nil {
		return err
	}

	out := map[string]any{
		"engine":   cfg.Storage.Engine,
		"writer":   st.writer.Stats(),
		"retained": size,
		"payloads": payloads,
	}
	if st.cache != nil {
		out["payload_cache"] = st.cache.Stats()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// retainedConfig maps the chunk section onto the retained persistence.
func retainedConfig(cfg *config.Config) retained.Config {
	return retained.Config{
		MaxChunkMemory: cfg.Chunk.MaxMemoryBytes,
		Chunk: chunk.Config{
			EntryEstimateBytes:  cfg.Chunk.EntryEstimateBytes,
			MaxResultsPerBucket: cfg.Chunk.MaxResultsPerBucket,
		},
	}
}
