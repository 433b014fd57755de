// Package config loads the bucketstore configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/bucketstore/bucket"
	"github.com/wolfeidau/bucketstore/store/localstore"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Writer   WriterConfig   `yaml:"writer"`
	Chunk    ChunkConfig    `yaml:"chunk"`
	Payload  PayloadConfig  `yaml:"payload"`
	Retained RetainedConfig `yaml:"retained"`
	HTTP     HTTPConfig     `yaml:"http"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// StorageConfig selects the local store engine and where data lives.
type StorageConfig struct {
	Dir           string        `yaml:"dir"`
	Engine        string        `yaml:"engine"` // bolt or pebble
	NoSync        bool          `yaml:"no_sync"`
	Fsync         string        `yaml:"fsync"` // always, interval or never (pebble)
	FsyncInterval time.Duration `yaml:"fsync_interval"`
}

// WriterConfig configures the single-writer core.
type WriterConfig struct {
	BucketCount         int           `yaml:"bucket_count"`
	MaxBucketCount      int           `yaml:"max_bucket_count"`
	Threads             int           `yaml:"threads"`
	CreditsPerExecution int           `yaml:"credits_per_execution"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
	CheckInterval       time.Duration `yaml:"check_interval"`
}

// ChunkConfig bounds chunked exports.
type ChunkConfig struct {
	MaxMemoryBytes      int `yaml:"max_memory_bytes"`
	EntryEstimateBytes  int `yaml:"entry_estimate_bytes"`
	MaxResultsPerBucket int `yaml:"max_results_per_bucket"`
}

// PayloadConfig configures the shared payload store.
type PayloadConfig struct {
	CompressionThreshold int           `yaml:"compression_threshold"`
	ReapInterval         time.Duration `yaml:"reap_interval"`
	ReapGrace            time.Duration `yaml:"reap_grace"`
	// CacheBytes bounds the in-memory payload read cache; 0 disables it.
	CacheBytes int `yaml:"cache_bytes"`
}

// RetainedConfig configures the retained message store.
type RetainedConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	Address   string `yaml:"address"`
	AuthToken string `yaml:"auth_token"`
	ReadToken string `yaml:"read_token"`
}

// BridgeConfig configures the upstream MQTT retained mirror.
type BridgeConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Broker   string   `yaml:"broker"`
	ClientID string   `yaml:"client_id"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Filters  []string `yaml:"filters"`
	QoS      int      `yaml:"qos"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Prometheus   bool   `yaml:"prometheus"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Dir:           "./data",
			Engine:        localstore.EngineBolt,
			Fsync:         "always",
			FsyncInterval: 100 * time.Millisecond,
		},
		Writer: WriterConfig{
			BucketCount:         64,
			MaxBucketCount:      256,
			Threads:             4,
			CreditsPerExecution: 50,
			ShutdownGracePeriod: 5 * time.Second,
			CheckInterval:       time.Second,
		},
		Chunk: ChunkConfig{
			MaxMemoryBytes:      5 << 20,
			EntryEstimateBytes:  1024,
			MaxResultsPerBucket: 250,
		},
		Payload: PayloadConfig{
			CompressionThreshold: 2048,
			ReapInterval:         time.Minute,
			ReapGrace:            5 * time.Minute,
			CacheBytes:           16 << 20,
		},
		Retained: RetainedConfig{
			CleanupInterval: time.Minute,
		},
		HTTP: HTTPConfig{
			Address: ":8080",
		},
		Bridge: BridgeConfig{
			ClientID: "bucketstore",
			Filters:  []string{"#"},
			QoS:      1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Prometheus: true,
		},
	}
}

// Load reads path over the defaults, applies BUCKETSTORE_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"BUCKETSTORE_STORAGE_DIR":     &cfg.Storage.Dir,
		"BUCKETSTORE_STORAGE_ENGINE":  &cfg.Storage.Engine,
		"BUCKETSTORE_STORAGE_FSYNC":   &cfg.Storage.Fsync,
		"BUCKETSTORE_HTTP_ADDRESS":    &cfg.HTTP.Address,
		"BUCKETSTORE_HTTP_AUTH_TOKEN": &cfg.HTTP.AuthToken,
		"BUCKETSTORE_HTTP_READ_TOKEN": &cfg.HTTP.ReadToken,
		"BUCKETSTORE_BRIDGE_BROKER":   &cfg.Bridge.Broker,
		"BUCKETSTORE_BRIDGE_USERNAME": &cfg.Bridge.Username,
		"BUCKETSTORE_BRIDGE_PASSWORD": &cfg.Bridge.Password,
		"BUCKETSTORE_LOG_LEVEL":       &cfg.Logging.Level,
		"BUCKETSTORE_LOG_FORMAT":      &cfg.Logging.Format,
		"BUCKETSTORE_OTLP_ENDPOINT":   &cfg.Metrics.OTLPEndpoint,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"BUCKETSTORE_WRITER_BUCKET_COUNT": &cfg.Writer.BucketCount,
		"BUCKETSTORE_WRITER_THREADS":      &cfg.Writer.Threads,
		"BUCKETSTORE_PAYLOAD_CACHE_BYTES": &cfg.Payload.CacheBytes,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("BUCKETSTORE_BRIDGE_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BUCKETSTORE_BRIDGE_ENABLED: %w", err)
		}
		cfg.Bridge.Enabled = enabled
	}
	return nil
}

// Validate checks the configuration and normalises writer.bucket_count to the
// least power of two not below it, capped at writer.max_bucket_count.
func (c *Config) Validate() error {
	var errs []string

	if c.Storage.Dir == "" {
		errs = append(errs, "storage.dir is required")
	}
	switch c.Storage.Engine {
	case localstore.EngineBolt, localstore.EnginePebble:
	default:
		errs = append(errs, fmt.Sprintf("storage.engine must be %q or %q", localstore.EngineBolt, localstore.EnginePebble))
	}
	if _, err := localstore.ParseFsyncMode(c.Storage.Fsync); err != nil {
		errs = append(errs, "storage.fsync must be always, interval or never")
	}

	if !bucket.IsPowerOfTwo(c.Writer.MaxBucketCount) {
		errs = append(errs, "writer.max_bucket_count must be a power of two")
	} else {
		c.Writer.BucketCount = bucket.ValidAmountOfQueues(c.Writer.BucketCount, c.Writer.MaxBucketCount)
	}
	if c.Writer.Threads < 1 {
		errs = append(errs, "writer.threads must be at least 1")
	}
	if c.Writer.CreditsPerExecution < 1 {
		errs = append(errs, "writer.credits_per_execution must be at least 1")
	}

	if c.Chunk.MaxMemoryBytes < 1 {
		errs = append(errs, "chunk.max_memory_bytes must be positive")
	}
	if c.Chunk.EntryEstimateBytes < 1 || c.Chunk.MaxResultsPerBucket < 1 {
		errs = append(errs, "chunk.entry_estimate_bytes and chunk.max_results_per_bucket must be positive")
	}

	if c.HTTP.ReadToken != "" && c.HTTP.AuthToken == "" {
		errs = append(errs, "http.read_token requires http.auth_token")
	}

	if c.Payload.CacheBytes < 0 {
		errs = append(errs, "payload.cache_bytes must not be negative")
	}

	if c.Bridge.Enabled {
		if c.Bridge.Broker == "" {
			errs = append(errs, "bridge.broker is required when the bridge is enabled")
		}
		if len(c.Bridge.Filters) == 0 {
			errs = append(errs, "bridge.filters must not be empty")
		}
	}
	if c.Bridge.QoS < 0 || c.Bridge.QoS > 2 {
		errs = append(errs, "bridge.qos must be 0, 1, or 2")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}
