package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/offline-cache"
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

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	storeOpDuration metric.Float64Histogram
	storeOpsTotal   metric.Int64Counter

	strategyResultsTotal metric.Int64Counter
	revalidationsTotal   metric.Int64Counter

	// Sync metrics
	syncCyclesTotal        metric.Int64Counter
	syncDuration           metric.Float64Histogram
	syncReplayedTotal      metric.Int64Counter
	pendingMutations       metric.Int64Gauge
	connectivityOnline     metric.Int64Gauge
	syncStatusChangesTotal metric.Int64Counter

	// Governance metrics
	governanceDeletedTotal metric.Int64Counter
	governanceDuration     metric.Float64Histogram
	storageUsedBytes       metric.Int64Gauge
	storageQuotaBytes      metric.Int64Gauge

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
		cfg.ServiceName = "offline-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

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

	durationBuckets := metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)

	if m.requestsTotal, err = meter.Int64Counter(
		"offline_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"offline_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"offline_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"offline_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"offline_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of origin requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"offline_cache_upstream_fetch_total",
		metric.WithDescription("Total number of origin requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"offline_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the origin"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.storeOpDuration, err = meter.Float64Histogram(
		"offline_cache_store_op_duration_seconds",
		metric.WithDescription("Duration of local store transactions"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.storeOpsTotal, err = meter.Int64Counter(
		"offline_cache_store_ops_total",
		metric.WithDescription("Total number of local store transactions"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.strategyResultsTotal, err = meter.Int64Counter(
		"offline_cache_strategy_results_total",
		metric.WithDescription("Cache strategy outcomes by strategy and result"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.revalidationsTotal, err = meter.Int64Counter(
		"offline_cache_revalidations_total",
		metric.WithDescription("Background revalidations by outcome"),
		metric.WithUnit("{revalidation}"),
	); err != nil {
		return nil, err
	}

	if m.syncCyclesTotal, err = meter.Int64Counter(
		"offline_cache_sync_cycles_total",
		metric.WithDescription("Sync cycles by outcome"),
		metric.WithUnit("{cycle}"),
	); err != nil {
		return nil, err
	}

	if m.syncDuration, err = meter.Float64Histogram(
		"offline_cache_sync_duration_seconds",
		metric.WithDescription("Duration of sync cycles"),
		metric.WithUnit("s"),
		durationBuckets,
	); err != nil {
		return nil, err
	}

	if m.syncReplayedTotal, err = meter.Int64Counter(
		"offline_cache_sync_replayed_total",
		metric.WithDescription("Pending mutations successfully replayed"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}

	if m.pendingMutations, err = meter.Int64Gauge(
		"offline_cache_pending_mutations",
		metric.WithDescription("Current length of the pending mutation queue"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}

	if m.connectivityOnline, err = meter.Int64Gauge(
		"offline_cache_online",
		metric.WithDescription("1 when the origin is believed reachable, 0 otherwise"),
	); err != nil {
		return nil, err
	}

	if m.syncStatusChangesTotal, err = meter.Int64Counter(
		"offline_cache_sync_status_changes_total",
		metric.WithDescription("Sync status transitions by target status"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	if m.governanceDeletedTotal, err = meter.Int64Counter(
		"offline_cache_governance_deleted_total",
		metric.WithDescription("Records and entries deleted by cache governance"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.governanceDuration, err = meter.Float64Histogram(
		"offline_cache_governance_duration_seconds",
		metric.WithDescription("Duration of governance tasks"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.storageUsedBytes, err = meter.Int64Gauge(
		"offline_cache_storage_used_bytes",
		metric.WithDescription("Bytes used by the local store"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.storageQuotaBytes, err = meter.Int64Gauge(
		"offline_cache_storage_quota_bytes",
		metric.WithDescription("Storage quota available to the local store"),
		metric.WithUnit("By"),
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Class and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	class := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Class != "" {
			class = tags.Class
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {class, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("class", class),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("class", class),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordStoreOp records one local store transaction.
func RecordStoreOp(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.storeOpsTotal.Add(ctx, 1, attrs)
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordUpstreamFetch records an origin request.
func RecordUpstreamFetch(ctx context.Context, class string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordStrategyResult records the outcome of a cache strategy lookup.
// strategy is "cache_first", "stale_while_revalidate" or "network_first".
func RecordStrategyResult(ctx context.Context, strategy string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("result", string(result)),
	)
	globalMetrics.strategyResultsTotal.Add(ctx, 1, attrs)
}

// RecordRevalidation records a background refresh. outcome is "success" or "error".
func RecordRevalidation(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.revalidationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSyncCycle records one sync cycle. outcome is "success" or "error".
func RecordSyncCycle(ctx context.Context, outcome string, replayed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.syncCyclesTotal.Add(ctx, 1, attrs)
	globalMetrics.syncDuration.Record(ctx, duration.Seconds(), attrs)
	if replayed > 0 {
		globalMetrics.syncReplayedTotal.Add(ctx, int64(replayed))
	}
}

// RecordSyncStatus records a transition of the sync indicator.
func RecordSyncStatus(ctx context.Context, status string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncStatusChangesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// UpdatePendingMutations sets the pending mutation gauge.
func UpdatePendingMutations(ctx context.Context, count int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pendingMutations.Record(ctx, int64(count))
}

// UpdateConnectivity sets the online gauge.
func UpdateConnectivity(ctx context.Context, online bool) {
	if globalMetrics == nil {
		return
	}
	var v int64
	if online {
		v = 1
	}
	globalMetrics.connectivityOnline.Record(ctx, v)
}

// RecordGovernanceTask records one governance task's deleted count and duration.
// task is "lru" or "quota". Called unconditionally per run.
func RecordGovernanceTask(ctx context.Context, task string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task", task))
	globalMetrics.governanceDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.governanceDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateStorageUsage sets the storage usage gauges.
func UpdateStorageUsage(ctx context.Context, usedBytes, quotaBytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.storageUsedBytes.Record(ctx, usedBytes)
	globalMetrics.storageQuotaBytes.Record(ctx, quotaBytes)
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
