package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.Emit() == value
}

func TestRecordHTTP(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		tagged     bool
		store      string
		endpoint   string
		lookup     LookupResult
		status     int
		bytes      int64
		wantStore  string
		wantResult string
		wantClass  string
	}{
		{
			name: "topic hit", path: "/api/v1/retained/topics/a/b", tagged: true,
			store: "retained", lookup: LookupHit, status: http.StatusOK, bytes: 1024,
			wantStore: "retained", wantResult: "hit", wantClass: "2xx",
		},
		{
			name: "export with endpoint", path: "/api/v1/retained/export", tagged: true,
			store: "retained", endpoint: "export", status: http.StatusOK, bytes: 4096,
			wantStore: "retained", wantResult: "na", wantClass: "2xx",
		},
		{
			name: "untagged store", path: "/health", tagged: true,
			status: http.StatusOK, bytes: 15,
			wantStore: "none", wantResult: "na", wantClass: "2xx",
		},
		{
			name: "bypassed middleware", path: "/unknown",
			status:    http.StatusNotFound,
			wantStore: "none", wantResult: "na", wantClass: "4xx",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := setupTestMetrics(t)

			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.tagged {
				r = InjectTags(r)
				if tt.store != "" {
					SetStore(r, tt.store)
				}
				if tt.endpoint != "" {
					SetEndpoint(r, tt.endpoint)
				}
				if tt.lookup != "" {
					SetLookupResult(r, tt.lookup)
				}
			}

			RecordHTTP(context.Background(), r, tt.status, tt.bytes, 10*time.Millisecond)
			rm := collectMetrics(t, reader)

			dps := findCounter(rm, "bucketstore_http_requests_total")
			require.Len(t, dps, 1)
			require.EqualValues(t, 1, dps[0].Value)
			require.True(t, hasAttr(dps[0].Attributes, "store", tt.wantStore))
			require.True(t, hasAttr(dps[0].Attributes, "result", tt.wantResult))
			require.True(t, hasAttr(dps[0].Attributes, "status_class", tt.wantClass))
			_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
			require.False(t, hasEndpoint)

			hist := findHistogram(rm, "bucketstore_http_request_duration_seconds")
			require.Len(t, hist, 1)
			require.Equal(t, uint64(1), hist[0].Count)

			if tt.bytes > 0 {
				bytesDps := findCounter(rm, "bucketstore_http_response_bytes_total")
				require.Len(t, bytesDps, 1)
				require.EqualValues(t, tt.bytes, bytesDps[0].Value)
			}

			detail := findCounter(rm, "bucketstore_http_requests_by_endpoint_total")
			if tt.endpoint == "" {
				require.Empty(t, detail)
				return
			}
			require.Len(t, detail, 1)
			require.True(t, hasAttr(detail[0].Attributes, "endpoint", tt.endpoint))
		})
	}
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, 1*time.Millisecond)
	RecordRetainedOp(context.Background(), "get", "success", time.Millisecond)
	RecordChunk(context.Background(), "retained", 1, 1, true)
	RecordBridgeMessage(context.Background(), "persisted")
	RecordCacheLookup(context.Background(), "hit")
	require.NotNil(t, Meter())
}

func TestRecordLocalStoreOp(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := WithStoreContext(context.Background(), "retained")
	RecordLocalStoreOp(ctx, "bolt", "put", "success", 3, time.Millisecond, 128)
	RecordLocalStoreOp(ctx, "bolt", "get", "not_found", 3, time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "bucketstore_localstore_ops_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "engine", "bolt"))
		require.True(t, hasAttr(dp.Attributes, "store", "retained"))
	}

	bytesDps := findCounter(rm, "bucketstore_localstore_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 128, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "bucket", "3"))
}

func TestRecordRetainedOpAndChunk(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordRetainedOp(ctx, "persist", Outcome(nil), time.Millisecond)
	RecordRetainedOp(ctx, "persist", Outcome(errors.New("x")), time.Millisecond)
	RecordChunk(ctx, "retained", 10, 2048, false)
	RecordChunk(ctx, "retained", 2, 100, true)

	rm := collectMetrics(t, reader)

	ops := findCounter(rm, "bucketstore_retained_ops_total")
	require.Len(t, ops, 2)

	var items int64
	for _, dp := range findCounter(rm, "bucketstore_chunk_items_total") {
		items += dp.Value
	}
	require.EqualValues(t, 12, items)

	var bytes int64
	for _, dp := range findCounter(rm, "bucketstore_chunk_bytes_total") {
		bytes += dp.Value
	}
	require.EqualValues(t, 2148, bytes)
}

func TestRecordReaperCycle(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordReaperCycle(context.Background(), "payload", 4, 20*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "bucketstore_reaper_deleted_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 4, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "reaper", "payload"))
}

func TestRecordBridgeMessage(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordBridgeMessage(ctx, "persisted")
	RecordBridgeMessage(ctx, "persisted")
	RecordBridgeMessage(ctx, "removed")

	counts := map[string]int64{}
	for _, dp := range findCounter(collectMetrics(t, reader), "bucketstore_bridge_messages_total") {
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		counts[v.Emit()] = dp.Value
	}
	require.Equal(t, map[string]int64{"persisted": 2, "removed": 1}, counts)
}

func TestRecordCacheMetrics(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, "miss")
	RecordCacheAdmission(ctx, "small", "new")
	RecordCacheLookup(ctx, "hit")
	RecordCacheEviction(ctx, "small", "promoted")

	rm := collectMetrics(t, reader)

	lookups := findCounter(rm, "bucketstore_payload_cache_lookups_total")
	require.Len(t, lookups, 2)

	admissions := findCounter(rm, "bucketstore_payload_cache_admissions_total")
	require.Len(t, admissions, 1)
	require.True(t, hasAttr(admissions[0].Attributes, "queue", "small"))
	require.True(t, hasAttr(admissions[0].Attributes, "reason", "new"))

	evictions := findCounter(rm, "bucketstore_payload_cache_evictions_total")
	require.Len(t, evictions, 1)
	require.True(t, hasAttr(evictions[0].Attributes, "outcome", "promoted"))
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
