package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// JobMetrics records background job runs through the global OpenTelemetry
// meter provider. Until InitOTel installs a provider the instruments are
// no-ops.
type JobMetrics struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// NewJobMetrics creates the job instruments on the global meter provider
func NewJobMetrics() *JobMetrics {
	return NewJobMetricsWithProvider(otel.GetMeterProvider())
}

// NewJobMetricsWithProvider creates the job instruments on provider.
// Instrument errors fall back to no-op instruments.
func NewJobMetricsWithProvider(provider metric.MeterProvider) *JobMetrics {
	meter := provider.Meter("github.com/platinummonkey/dtc/pkg/jobs")
	fallback := noop.NewMeterProvider().Meter("noop")

	runs, err := meter.Int64Counter(
		"dtc.job.runs",
		metric.WithDescription("Background job runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		runs, _ = fallback.Int64Counter("dtc.job.runs")
	}

	duration, err := meter.Float64Histogram(
		"dtc.job.duration",
		metric.WithDescription("Background job run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		duration, _ = fallback.Float64Histogram("dtc.job.duration")
	}

	return &JobMetrics{runs: runs, duration: duration}
}

// RecordRun records one finished run of job with its outcome
func (m *JobMetrics) RecordRun(ctx context.Context, job, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("job", job),
		attribute.String("outcome", outcome),
	)
	m.runs.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
