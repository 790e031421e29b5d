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
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/journal-media"
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
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	// Image cache metrics
	imageLoadsTotal         metric.Int64Counter
	imageLoadDuration       metric.Float64Histogram
	imageEvictionsTotal     metric.Int64Counter
	imageCacheEntries       metric.Int64Gauge
	imageBlobRetainedBytes  metric.Int64Counter
	imageSweepDuration      metric.Float64Histogram
	imageRenderOutcomeTotal metric.Int64Counter

	// Issue aggregation metrics
	issueAggregationsTotal metric.Int64Counter
	issuesBuiltTotal       metric.Int64Counter
	issueDroppedRowsTotal  metric.Int64Counter

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
		cfg.ServiceName = "journal-media"
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

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.requestsTotal, err = meter.Int64Counter(
		"journal_media_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.responseBytesTotal, err = meter.Int64Counter(
		"journal_media_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"journal_media_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.requestsByEndpointTotal, err = meter.Int64Counter(
		"journal_media_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchDuration, err = meter.Float64Histogram(
		"journal_media_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchTotal, err = meter.Int64Counter(
		"journal_media_upstream_fetch_total",
		metric.WithDescription("Total number of upstream fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"journal_media_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestDuration, err = meter.Float64Histogram(
		"journal_media_backend_request_duration_seconds",
		metric.WithDescription("Duration of blob backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	m.backendRequestsTotal, err = meter.Int64Counter(
		"journal_media_backend_requests_total",
		metric.WithDescription("Total number of blob backend operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.backendBytesTotal, err = meter.Int64Counter(
		"journal_media_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in blob backend operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.imageLoadsTotal, err = meter.Int64Counter(
		"journal_media_image_loads_total",
		metric.WithDescription("Total image loads started by the cache, by outcome"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return nil, err
	}

	m.imageLoadDuration, err = meter.Float64Histogram(
		"journal_media_image_load_duration_seconds",
		metric.WithDescription("Time from preload to loaded or error"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.imageEvictionsTotal, err = meter.Int64Counter(
		"journal_media_image_evictions_total",
		metric.WithDescription("Image cache entries removed, by reason (capacity, ttl, clear)"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	m.imageCacheEntries, err = meter.Int64Gauge(
		"journal_media_image_cache_entries",
		metric.WithDescription("Current number of image cache entries"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	m.imageBlobRetainedBytes, err = meter.Int64Counter(
		"journal_media_image_blob_retained_bytes_total",
		metric.WithDescription("Total image bytes retained by the secondary fetch"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.imageSweepDuration, err = meter.Float64Histogram(
		"journal_media_image_sweep_duration_seconds",
		metric.WithDescription("Duration of image cache TTL sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, err
	}

	m.imageRenderOutcomeTotal, err = meter.Int64Counter(
		"journal_media_image_render_outcomes_total",
		metric.WithDescription("Terminal renderer outcomes (loaded, placeholder) and whether an alternate URL was tried"),
		metric.WithUnit("{render}"),
	)
	if err != nil {
		return nil, err
	}

	m.issueAggregationsTotal, err = meter.Int64Counter(
		"journal_media_issue_aggregations_total",
		metric.WithDescription("Total issue aggregation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	m.issuesBuiltTotal, err = meter.Int64Counter(
		"journal_media_issues_built_total",
		metric.WithDescription("Total issue aggregates produced"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		return nil, err
	}

	m.issueDroppedRowsTotal, err = meter.Int64Counter(
		"journal_media_issue_dropped_rows_total",
		metric.WithDescription("Article rows dropped for missing volume or issue"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
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
// Area and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	area := "unknown"
	cacheResult := string(CacheNone)
	endpoint, source := "", ""
	if tags != nil {
		if tags.Area != "" {
			area = tags.Area
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint, source = tags.Endpoint, tags.Source
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {area, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("area", area),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("area", area),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		if source != "" {
			detailAttrs = append(detailAttrs, attribute.String("source", source))
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records blob backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// UpstreamFetch describes one outbound request.
type UpstreamFetch struct {
	// Upstream is "articles", "storage" or "images".
	Upstream string
	// Outcome classifies the response status or transport failure.
	Outcome string
	// Media classifies the response content type.
	Media string
	// Priority is "high" or "low" for image fetches, empty otherwise.
	Priority string
	Duration time.Duration
	Bytes    int64
}

// RecordUpstreamFetch records an outbound request once its body is done.
func RecordUpstreamFetch(ctx context.Context, f UpstreamFetch) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("upstream", f.Upstream),
		attribute.String("outcome", f.Outcome),
	}
	if f.Media != "" {
		attrs = append(attrs, attribute.String("media", f.Media))
	}
	if f.Priority != "" {
		attrs = append(attrs, attribute.String("priority", f.Priority))
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, f.Duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if f.Bytes > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, f.Bytes, metric.WithAttributes(attrs...))
	}
}

// RecordImageLoad records the terminal state of one cache load.
// outcome is "loaded" or "error".
func RecordImageLoad(ctx context.Context, outcome string, priority bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("priority", priority),
	)
	globalMetrics.imageLoadsTotal.Add(ctx, 1, attrs)
	globalMetrics.imageLoadDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordImageEviction records entries removed from the image cache.
// reason is "capacity", "ttl" or "clear".
func RecordImageEviction(ctx context.Context, reason string, count int) {
	if globalMetrics == nil || count == 0 {
		return
	}
	globalMetrics.imageEvictionsTotal.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// UpdateImageCacheEntries records the current entry count of the image cache.
func UpdateImageCacheEntries(ctx context.Context, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.imageCacheEntries.Record(ctx, int64(entries))
}

// RecordBlobRetained records bytes kept by the secondary blob fetch.
func RecordBlobRetained(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.imageBlobRetainedBytes.Add(ctx, bytes)
}

// RecordSweep records one TTL sweep of the image cache.
func RecordSweep(ctx context.Context, expired int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.imageSweepDuration.Record(ctx, duration.Seconds())
	RecordImageEviction(ctx, "ttl", expired)
}

// RecordRenderOutcome records the terminal outcome of an image renderer.
func RecordRenderOutcome(ctx context.Context, outcome string, retried bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.imageRenderOutcomeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("retried", strconv.FormatBool(retried)),
	))
}

// RecordIssueAggregation records one aggregation of a source's article rows.
func RecordIssueAggregation(ctx context.Context, source string, issues, dropped int) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source))
	globalMetrics.issueAggregationsTotal.Add(ctx, 1, attrs)
	globalMetrics.issuesBuiltTotal.Add(ctx, int64(issues), attrs)
	if dropped > 0 {
		globalMetrics.issueDroppedRowsTotal.Add(ctx, int64(dropped), attrs)
	}
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
