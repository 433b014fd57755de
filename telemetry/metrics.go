package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/bucketstore"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	localStoreOpDuration metric.Float64Histogram
	localStoreOpsTotal   metric.Int64Counter
	localStoreBytesTotal metric.Int64Counter

	payloadWriteSize metric.Float64Histogram

	retainedOpsTotal   metric.Int64Counter
	retainedOpDuration metric.Float64Histogram

	chunkCallsTotal metric.Int64Counter
	chunkItemsTotal metric.Int64Counter
	chunkBytesTotal metric.Int64Counter

	bridgeMessagesTotal metric.Int64Counter

	// Reaper metrics
	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	cacheLookupsTotal   metric.Int64Counter
	cacheAdmissionTotal metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "bucketstore"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"bucketstore_http_requests_total",
		metric.WithDescription("Total number of admin API requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"bucketstore_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in admin API responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"bucketstore_http_request_duration_seconds",
		metric.WithDescription("Admin API request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"bucketstore_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of admin API requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.localStoreOpDuration, err = meter.Float64Histogram(
		"bucketstore_localstore_op_duration_seconds",
		metric.WithDescription("Duration of local store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.00005, 0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1),
	); err != nil {
		return nil, err
	}

	if m.localStoreOpsTotal, err = meter.Int64Counter(
		"bucketstore_localstore_ops_total",
		metric.WithDescription("Total number of local store operations"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.localStoreBytesTotal, err = meter.Int64Counter(
		"bucketstore_localstore_bytes_total",
		metric.WithDescription("Total value bytes read from or written to the local store"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.payloadWriteSize, err = meter.Float64Histogram(
		"bucketstore_payload_write_size_bytes",
		metric.WithDescription("Size of payloads added to the payload store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(16, 64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 268435456),
	); err != nil {
		return nil, err
	}

	if m.retainedOpsTotal, err = meter.Int64Counter(
		"bucketstore_retained_ops_total",
		metric.WithDescription("Total number of retained message operations by op and outcome"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.retainedOpDuration, err = meter.Float64Histogram(
		"bucketstore_retained_op_duration_seconds",
		metric.WithDescription("Time from submission to completion of retained message operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return nil, err
	}

	if m.chunkCallsTotal, err = meter.Int64Counter(
		"bucketstore_chunk_calls_total",
		metric.WithDescription("Total number of chunked export calls"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}

	if m.chunkItemsTotal, err = meter.Int64Counter(
		"bucketstore_chunk_items_total",
		metric.WithDescription("Total number of items returned by chunked export calls"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}

	if m.chunkBytesTotal, err = meter.Int64Counter(
		"bucketstore_chunk_bytes_total",
		metric.WithDescription("Estimated bytes returned by chunked export calls"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.bridgeMessagesTotal, err = meter.Int64Counter(
		"bucketstore_bridge_messages_total",
		metric.WithDescription("Total number of upstream retained messages mirrored by outcome"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"bucketstore_reaper_deleted_total",
		metric.WithDescription("Total entries deleted by reapers"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"bucketstore_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"bucketstore_payload_cache_lookups_total",
		metric.WithDescription("Payload cache lookups by result (hit, miss)"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.cacheAdmissionTotal, err = meter.Int64Counter(
		"bucketstore_payload_cache_admissions_total",
		metric.WithDescription("Payload cache admissions by queue and reason (new, ghost_hit)"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cacheEvictionsTotal, err = meter.Int64Counter(
		"bucketstore_payload_cache_evictions_total",
		metric.WithDescription("Payload cache evictions by queue and outcome (evicted, promoted, second_chance)"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// Meter returns the meter components use for their own instruments.
// Before InitMetrics it returns a no-op meter.
func Meter() metric.Meter {
	if globalMetrics == nil {
		return noop.NewMeterProvider().Meter(meterName)
	}
	return globalMetrics.meterProvider.Meter(meterName)
}

// RecordHTTP records admin API request metrics.
// Call this from the logging middleware after the request completes.
// Store, endpoint and lookup result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	store := "none"
	result := string(LookupNA)
	endpoint := ""
	if tags != nil {
		if tags.Store != "" {
			store = tags.Store
		}
		if tags.Result != "" {
			result = string(tags.Result)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {store, status_class, result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("status_class", statusClass),
		attribute.String("result", result),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("store", store),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("result", result),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordLocalStoreOp records one local store operation.
func RecordLocalStoreOp(ctx context.Context, engine, op, outcome string, bucket int, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("engine", engine),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	if store := StoreFromContext(ctx); store != "" {
		attrs = append(attrs, attribute.String("store", store))
	}
	globalMetrics.localStoreOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.localStoreOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.localStoreBytesTotal.Add(ctx, bytes, metric.WithAttributes(
			append(attrs, attribute.String("bucket", strconv.Itoa(bucket)))...))
	}
}

// RecordPayloadWrite records a payload added to the payload store.
func RecordPayloadWrite(ctx context.Context, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}
	globalMetrics.payloadWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("result", result)))
}

// RecordRetainedOp records a retained message operation.
// op is one of get, persist, remove, wildcard, size, cleanup, clear, chunk.
func RecordRetainedOp(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.retainedOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.retainedOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordChunk records one chunked export call.
func RecordChunk(ctx context.Context, producer string, items int, bytes int64, finished bool) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("producer", producer),
		attribute.Bool("finished", finished),
	)
	globalMetrics.chunkCallsTotal.Add(ctx, 1, attrs)
	globalMetrics.chunkItemsTotal.Add(ctx, int64(items), attrs)
	globalMetrics.chunkBytesTotal.Add(ctx, bytes, attrs)
}

// RecordBridgeMessage records one mirrored upstream message.
// outcome is "persisted", "removed", "skipped" or "error".
func RecordBridgeMessage(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.bridgeMessagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
// reaper is "payload" or "retained". Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheLookup records a payload cache lookup. result is "hit" or "miss".
func RecordCacheLookup(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheAdmission records an entry admitted to a payload cache queue.
func RecordCacheAdmission(ctx context.Context, queue, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheAdmissionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason),
	))
}

// RecordCacheEviction records the fate of an entry popped from a payload
// cache queue tail.
func RecordCacheEviction(ctx context.Context, queue, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// Outcome maps an error to the outcome attribute value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
