package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Reconcile outcomes recorded by RecordReconcile.
const (
	OutcomeCached    = "cached"
	OutcomeLive      = "live"
	OutcomePersisted = "persisted"
	OutcomeStale     = "stale"
	OutcomeError     = "error"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests and backend calls take
// - Traffic: Request/submission throughput
// - Errors: Rate of failures
// - Saturation: Backfill queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics
	JobsSubmitted     metric.Int64Counter
	SubmitErrors      metric.Int64Counter
	Reconciles        metric.Int64Counter
	ArtifactsStored   metric.Int64Counter
	ArtifactBytes     metric.Int64Counter
	CommitRacesLost   metric.Int64Counter
	BackendDuration   metric.Float64Histogram
	BackendErrorTotal metric.Int64Counter

	// Backfill metrics (Latency, Traffic, Errors, Saturation)
	BackfillDuration   metric.Float64Histogram
	BackfillDelivered  metric.Int64Counter
	BackfillFailed     metric.Int64Counter
	BackfillDropped    metric.Int64Counter
	BackfillRequeued   metric.Int64Counter
	BackfillQueueSize  metric.Int64Gauge
	BackfillBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider.Meter("meshjobs"))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	// Job metrics
	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs accepted by the compute backend"),
	)
	if err != nil {
		return nil, err
	}

	m.SubmitErrors, err = meter.Int64Counter(
		"job_submit_errors_total",
		metric.WithDescription("Total number of rejected or failed submissions"),
	)
	if err != nil {
		return nil, err
	}

	m.Reconciles, err = meter.Int64Counter(
		"job_status_checks_total",
		metric.WithDescription("Status checks by reconcile outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ArtifactsStored, err = meter.Int64Counter(
		"artifacts_stored_total",
		metric.WithDescription("Total number of artifacts written to durable storage"),
	)
	if err != nil {
		return nil, err
	}

	m.ArtifactBytes, err = meter.Int64Counter(
		"artifact_bytes_total",
		metric.WithDescription("Total bytes written to durable storage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	m.CommitRacesLost, err = meter.Int64Counter(
		"output_commit_races_lost_total",
		metric.WithDescription("Output artifacts discarded after losing the ledger commit"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendDuration, err = meter.Float64Histogram(
		"backend_request_duration_seconds",
		metric.WithDescription("Compute backend call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.BackendErrorTotal, err = meter.Int64Counter(
		"backend_errors_total",
		metric.WithDescription("Total number of failed compute backend calls"),
	)
	if err != nil {
		return nil, err
	}

	// Backfill metrics
	m.BackfillDuration, err = meter.Float64Histogram(
		"backfill_duration_seconds",
		metric.WithDescription("Deferred ledger insert latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.BackfillDelivered, err = meter.Int64Counter(
		"backfill_delivered_total",
		metric.WithDescription("Total deferred ledger inserts written"),
	)
	if err != nil {
		return nil, err
	}

	m.BackfillFailed, err = meter.Int64Counter(
		"backfill_failed_total",
		metric.WithDescription("Total deferred ledger inserts failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.BackfillDropped, err = meter.Int64Counter(
		"backfill_dropped_total",
		metric.WithDescription("Total deferred ledger inserts dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, err
	}

	m.BackfillRequeued, err = meter.Int64Counter(
		"backfill_requeued_total",
		metric.WithDescription("Total deferred ledger inserts requeued"),
	)
	if err != nil {
		return nil, err
	}

	m.BackfillQueueSize, err = meter.Int64Gauge(
		"backfill_queue_size",
		metric.WithDescription("Current number of records waiting in the backfill queue (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job accepted by the backend.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, recorded bool) {
	outcome := "recorded"
	if !recorded {
		outcome = "deferred"
	}
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordSubmitError records a submission that did not produce a job.
func (m *Metrics) RecordSubmitError(ctx context.Context, stage string) {
	m.SubmitErrors.Add(ctx, 1, metric.WithAttributes(opAttr(stage)))
}

// RecordReconcile records the outcome of a status check.
func (m *Metrics) RecordReconcile(ctx context.Context, outcome string) {
	m.Reconciles.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordArtifactStored records a blob written to durable storage.
func (m *Metrics) RecordArtifactStored(ctx context.Context, kind string, size int64) {
	attrs := metric.WithAttributes(kindAttr(kind))
	m.ArtifactsStored.Add(ctx, 1, attrs)
	m.ArtifactBytes.Add(ctx, size, attrs)
}

// RecordCommitRaceLost records an output artifact discarded after losing the commit.
func (m *Metrics) RecordCommitRaceLost(ctx context.Context) {
	m.CommitRacesLost.Add(ctx, 1)
}

// RecordBackendCall records one compute backend call.
func (m *Metrics) RecordBackendCall(ctx context.Context, op string, err error, durationSeconds float64) {
	attrs := metric.WithAttributes(opAttr(op))
	m.BackendDuration.Record(ctx, durationSeconds, attrs)
	if err != nil {
		m.BackendErrorTotal.Add(ctx, 1, attrs)
	}
}

// RecordBackfillDelivered records a deferred insert written with its duration.
func (m *Metrics) RecordBackfillDelivered(ctx context.Context, durationSeconds float64) {
	m.BackfillDelivered.Add(ctx, 1)
	m.BackfillDuration.Record(ctx, durationSeconds)
}

// RecordBackfillFailed records a deferred insert that exhausted its retries.
func (m *Metrics) RecordBackfillFailed(ctx context.Context) {
	m.BackfillFailed.Add(ctx, 1)
}

// RecordBackfillDropped records a dropped deferred insert.
func (m *Metrics) RecordBackfillDropped(ctx context.Context) {
	m.BackfillDropped.Add(ctx, 1)
}

// RecordBackfillRequeued records a requeued deferred insert.
func (m *Metrics) RecordBackfillRequeued(ctx context.Context) {
	m.BackfillRequeued.Add(ctx, 1)
}

// RecordBackfillQueueSize records the current queue size.
func (m *Metrics) RecordBackfillQueueSize(ctx context.Context, size int64) {
	m.BackfillQueueSize.Record(ctx, size)
}
