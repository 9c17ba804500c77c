package monitoring

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service metrics. A nil *Metrics records nothing.
type Metrics struct {
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	PipelineRuns     metric.Int64Counter
	PipelinesActive  metric.Int64UpDownCounter
	StageDuration    metric.Float64Histogram
	UploadedBytes    metric.Int64Counter
	StatusChecks     metric.Int64Counter
	TrainingsStarted metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("lora-orchestrator")
	m := &Metrics{}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PipelineRuns, err = meter.Int64Counter(
		"weights_pipeline_runs_total",
		metric.WithDescription("Weights pipeline runs by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PipelinesActive, err = meter.Int64UpDownCounter(
		"weights_pipelines_active",
		metric.WithDescription("Number of weights pipelines currently running"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StageDuration, err = meter.Float64Histogram(
		"weights_pipeline_stage_duration_seconds",
		metric.WithDescription("Duration of each weights pipeline stage"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UploadedBytes, err = meter.Int64Counter(
		"blob_uploaded_bytes_total",
		metric.WithDescription("Bytes published to blob storage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.StatusChecks, err = meter.Int64Counter(
		"training_status_checks_total",
		metric.WithDescription("Training status checks by remote status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TrainingsStarted, err = meter.Int64Counter(
		"trainings_started_total",
		metric.WithDescription("Training jobs submitted to the job service"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics. route is the matched
// route template, not the raw path.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", fmt.Sprintf("%dxx", statusCode/100)),
	)
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

// RecordStage records the duration and outcome of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, durationSeconds, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("success", success),
	))
}

// RecordUpload records bytes published to blob storage.
func (m *Metrics) RecordUpload(ctx context.Context, kind string, bytes int64) {
	if m == nil {
		return
	}
	m.UploadedBytes.Add(ctx, bytes, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPipelineStarted marks a weights pipeline run as active.
func (m *Metrics) RecordPipelineStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.PipelinesActive.Add(ctx, 1)
}

// RecordPipelineFinished records the outcome of a weights pipeline run.
func (m *Metrics) RecordPipelineFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.PipelinesActive.Add(ctx, -1)
	m.PipelineRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStatusCheck records a status check and the remote job status seen.
func (m *Metrics) RecordStatusCheck(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.StatusChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTrainingStarted records a submitted training job.
func (m *Metrics) RecordTrainingStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.TrainingsStarted.Add(ctx, 1)
}
