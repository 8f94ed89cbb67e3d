package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED metrics for the REST surface
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Engine metrics
	fetchesTotal     metric.Int64Counter
	fetchesActive    metric.Int64UpDownCounter
	fetchDuration    metric.Float64Histogram
	bytesTransferred metric.Int64Counter
	retriesTotal     metric.Int64Counter
	probesTotal      metric.Int64Counter
	extractionsTotal metric.Int64Counter
	ledgerOpsTotal   metric.Int64Counter
	ledgerOpDuration metric.Float64Histogram

	// System health
	systemErrors   metric.Int64Counter
	systemUptime   metric.Float64Gauge
	goroutineCount metric.Int64Gauge
	memoryUsage    metric.Int64Gauge
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance. A disabled config yields a no-op
// instance whose methods are all safe to call.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	go t.collectSystemMetrics(ctx)

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Meter returns the OpenTelemetry meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.meter
}

// RecordHTTPRequest records REST request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil && t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordFetch records the terminal outcome of one record's fetch.
// Outcome and reason come from the ledger vocabulary, so cardinality stays
// bounded.
func (t *Telemetry) RecordFetch(outcome, reason string, duration time.Duration) {
	if t == nil || t.fetchesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)

	t.fetchesTotal.Add(context.Background(), 1, attrs)
	t.fetchDuration.Record(context.Background(), duration.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

// IncrementActiveFetches increments the active fetch gauge.
func (t *Telemetry) IncrementActiveFetches() {
	if t != nil && t.fetchesActive != nil {
		t.fetchesActive.Add(context.Background(), 1)
	}
}

// DecrementActiveFetches decrements the active fetch gauge.
func (t *Telemetry) DecrementActiveFetches() {
	if t != nil && t.fetchesActive != nil {
		t.fetchesActive.Add(context.Background(), -1)
	}
}

// AddBytesTransferred accumulates bytes written by the transfer engine.
func (t *Telemetry) AddBytesTransferred(n int64) {
	if t != nil && t.bytesTransferred != nil && n > 0 {
		t.bytesTransferred.Add(context.Background(), n)
	}
}

// RecordRetry counts one transfer retry.
func (t *Telemetry) RecordRetry() {
	if t != nil && t.retriesTotal != nil {
		t.retriesTotal.Add(context.Background(), 1)
	}
}

// RecordProbe counts a reachability check, tagged by where the answer came
// from.
func (t *Telemetry) RecordProbe(ok, cached bool) {
	if t == nil || t.probesTotal == nil {
		return
	}

	source := "live"
	if cached {
		source = "cache"
	}

	t.probesTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.Bool("ok", ok),
			attribute.String("source", source),
		))
}

// RecordExtraction counts one archive extraction attempt.
func (t *Telemetry) RecordExtraction(status string) {
	if t != nil && t.extractionsTotal != nil {
		t.extractionsTotal.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordLedgerOp records ledger operation metrics.
func (t *Telemetry) RecordLedgerOp(operation, status string, duration time.Duration) {
	if t == nil || t.ledgerOpsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.ledgerOpsTotal.Add(context.Background(), 1, attrs)
	t.ledgerOpDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError records system error metrics.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil && t.systemErrors != nil {
		t.systemErrors.Add(context.Background(), 1,
			metric.WithAttributes(
				attribute.String("component", component),
				attribute.String("error_type", errorType),
			))
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.fetchesTotal, err = t.meter.Int64Counter(
		"fetches_total",
		metric.WithDescription("Total number of record fetches by terminal outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.fetchesActive, err = t.meter.Int64UpDownCounter(
		"fetches_active",
		metric.WithDescription("Number of records currently being processed"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.fetchDuration, err = t.meter.Float64Histogram(
		"fetch_duration_seconds",
		metric.WithDescription("End-to-end record processing duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.bytesTransferred, err = t.meter.Int64Counter(
		"bytes_transferred_total",
		metric.WithDescription("Bytes written by the transfer engine"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if t.retriesTotal, err = t.meter.Int64Counter(
		"transfer_retries_total",
		metric.WithDescription("Total number of transfer retries"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.probesTotal, err = t.meter.Int64Counter(
		"probes_total",
		metric.WithDescription("Total number of reachability checks by source"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.extractionsTotal, err = t.meter.Int64Counter(
		"extractions_total",
		metric.WithDescription("Total number of archive extraction attempts"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.ledgerOpsTotal, err = t.meter.Int64Counter(
		"ledger_operations_total",
		metric.WithDescription("Total number of ledger operations"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.ledgerOpDuration, err = t.meter.Float64Histogram(
		"ledger_operation_duration_seconds",
		metric.WithDescription("Ledger operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.systemErrors, err = t.meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Total number of system errors"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.systemUptime, err = t.meter.Float64Gauge(
		"system_uptime_seconds",
		metric.WithDescription("System uptime in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.goroutineCount, err = t.meter.Int64Gauge(
		"goroutine_count",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.memoryUsage, err = t.meter.Int64Gauge(
		"memory_usage_bytes",
		metric.WithDescription("Memory usage in bytes"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	return nil
}

// collectSystemMetrics collects system-level metrics periodically.
func (t *Telemetry) collectSystemMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.updateSystemMetrics(startTime)
		}
	}
}

func (t *Telemetry) updateSystemMetrics(startTime time.Time) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	if t.memoryUsage != nil {
		t.memoryUsage.Record(context.Background(), int64(m.Alloc))
	}

	if t.goroutineCount != nil {
		t.goroutineCount.Record(context.Background(), int64(runtime.NumGoroutine()))
	}

	if t.systemUptime != nil {
		t.systemUptime.Record(context.Background(), time.Since(startTime).Seconds())
	}
}
