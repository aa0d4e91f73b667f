// Package telemetry wires up Prometheus + OpenTelemetry exporters used across
// the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pi-blocker/pkg/config"
	"pi-blocker/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Query pipeline
	QueriesTotal     metric.Int64Counter
	QueriesDropped   metric.Int64Counter
	BlockedQueries   metric.Int64Counter
	ForwardedQueries metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	InFlight         metric.Int64UpDownCounter

	// Upstream
	UpstreamTimeouts metric.Int64Counter
	UpstreamErrors   metric.Int64Counter

	BlocklistSize metric.Int64UpDownCounter

	// Storage metrics
	StorageQueriesDropped metric.Int64Counter
}

// New creates a new telemetry instance
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:            cfg,
		logger:         logger,
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		t.setupTracing(res)
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider
func (t *Telemetry) setupMetrics(res *resource.Resource) error {
	if !t.cfg.PrometheusEnabled {
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	t.prometheusExporter = exporter

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	t.meterProvider = provider
	otel.SetMeterProvider(provider)

	t.startPrometheusServer()
	t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	return nil
}

// setupTracing installs an SDK tracer provider whose finished spans are
// batched and written to the debug log.
func (t *Telemetry) setupTracing(res *resource.Resource) {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(newSpanLogExporter(t.logger)),
	)
	t.tracerProvider = provider
	otel.SetTracerProvider(provider)

	t.logger.Info("Tracing enabled", "exporter", "log")
}

// startPrometheusServer serves /metrics in the background.
func (t *Telemetry) startPrometheusServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("pi-blocker")
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.QueriesTotal, "dns.queries.total", "Total number of DNS datagrams received"},
		{&m.QueriesDropped, "dns.queries.dropped", "Datagrams dropped without a reply, by reason"},
		{&m.BlockedQueries, "dns.queries.blocked", "Number of queries answered with REFUSED"},
		{&m.ForwardedQueries, "dns.queries.forwarded", "Number of queries relayed from upstream"},
		{&m.UpstreamTimeouts, "dns.upstream.timeouts", "Upstream exchanges that hit the reply deadline"},
		{&m.UpstreamErrors, "dns.upstream.errors", "Upstream exchanges that failed on the socket"},
		{&m.StorageQueriesDropped, "storage.queries.dropped", "Number of queries dropped due to full buffer"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}
	m.QueryDuration = queryDuration

	inFlight, err := meter.Int64UpDownCounter(
		"dns.queries.in_flight",
		metric.WithDescription("Number of query tasks currently running"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight gauge: %w", err)
	}
	m.InFlight = inFlight

	blocklistSize, err := meter.Int64UpDownCounter(
		"blocklist.size",
		metric.WithDescription("Number of domains in blocklist"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist size gauge: %w", err)
	}
	m.BlocklistSize = blocklistSize

	return m, nil
}

// MeterProvider returns the meter provider
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// AddDroppedQuery implements storage.MetricsRecorder.
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}

// RecordReceived counts one inbound datagram.
func (m *Metrics) RecordReceived(ctx context.Context) {
	if m != nil && m.QueriesTotal != nil {
		m.QueriesTotal.Add(ctx, 1)
	}
}

// RecordDropped counts a datagram that produced no reply.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	if m != nil && m.QueriesDropped != nil {
		m.QueriesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordBlocked counts a REFUSED answer.
func (m *Metrics) RecordBlocked(ctx context.Context) {
	if m != nil && m.BlockedQueries != nil {
		m.BlockedQueries.Add(ctx, 1)
	}
}

// RecordForwarded counts a relayed upstream reply.
func (m *Metrics) RecordForwarded(ctx context.Context) {
	if m != nil && m.ForwardedQueries != nil {
		m.ForwardedQueries.Add(ctx, 1)
	}
}

// RecordUpstreamFailure counts a failed exchange, split by timeout.
func (m *Metrics) RecordUpstreamFailure(ctx context.Context, timeout bool) {
	if m == nil {
		return
	}
	if timeout {
		if m.UpstreamTimeouts != nil {
			m.UpstreamTimeouts.Add(ctx, 1)
		}
		return
	}
	if m.UpstreamErrors != nil {
		m.UpstreamErrors.Add(ctx, 1)
	}
}

// RecordDuration records how long a task took, tagged with its outcome.
func (m *Metrics) RecordDuration(ctx context.Context, d time.Duration, outcome string) {
	if m != nil && m.QueryDuration != nil {
		m.QueryDuration.Record(ctx, float64(d.Microseconds())/1000,
			metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// AddInFlight adjusts the running task gauge.
func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	if m != nil && m.InFlight != nil {
		m.InFlight.Add(ctx, delta)
	}
}

// AddBlocklistSize adjusts the blocklist size gauge.
func (m *Metrics) AddBlocklistSize(ctx context.Context, delta int64) {
	if m != nil && m.BlocklistSize != nil {
		m.BlocklistSize.Add(ctx, delta)
	}
}

// Shutdown gracefully shuts down telemetry
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if provider, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %w", errors.Join(errs...))
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
