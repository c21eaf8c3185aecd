package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the domain instruments. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	jobsStarted      metric.Int64Counter
	jobsCompleted    metric.Int64Counter
	jobsFailed       metric.Int64Counter
	studyTransitions metric.Int64Counter
	adapterDuration  metric.Float64Histogram
	adapterErrors    metric.Int64Counter
	circuitOpened    metric.Int64Counter
	evidenceCaptured metric.Int64Counter
	evidenceVerified metric.Int64Counter
	checkpoints      metric.Int64Counter
}

// NewMetrics registers the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.jobsStarted, err = meter.Int64Counter("bentham.jobs.started",
		metric.WithDescription("Job attempts handed to workers"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.jobsCompleted, err = meter.Int64Counter("bentham.jobs.completed",
		metric.WithDescription("Jobs completed successfully"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.jobsFailed, err = meter.Int64Counter("bentham.jobs.failed",
		metric.WithDescription("Job attempt failures, terminal or retried"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}
	if m.studyTransitions, err = meter.Int64Counter("bentham.study.transitions",
		metric.WithDescription("Study status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.adapterDuration, err = meter.Float64Histogram("bentham.adapter.duration",
		metric.WithDescription("Backend query duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}
	if m.adapterErrors, err = meter.Int64Counter("bentham.adapter.errors",
		metric.WithDescription("Backend query failures"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	if m.circuitOpened, err = meter.Int64Counter("bentham.adapter.circuit_opened",
		metric.WithDescription("Circuit breaker trips"),
		metric.WithUnit("{trip}"),
	); err != nil {
		return nil, err
	}
	if m.evidenceCaptured, err = meter.Int64Counter("bentham.evidence.captured",
		metric.WithDescription("Evidence bundles captured"),
		metric.WithUnit("{bundle}"),
	); err != nil {
		return nil, err
	}
	if m.evidenceVerified, err = meter.Int64Counter("bentham.evidence.verified",
		metric.WithDescription("Evidence verifications"),
		metric.WithUnit("{verification}"),
	); err != nil {
		return nil, err
	}
	if m.checkpoints, err = meter.Int64Counter("bentham.checkpoints",
		metric.WithDescription("Checkpoints created"),
		metric.WithUnit("{checkpoint}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) JobStarted(ctx context.Context, surfaceID string) {
	if m == nil {
		return
	}
	m.jobsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("surface", surfaceID)))
}

func (m *Metrics) JobCompleted(ctx context.Context, surfaceID string) {
	if m == nil {
		return
	}
	m.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("surface", surfaceID)))
}

// JobFailed counts a failed attempt. terminal is true once retries are exhausted.
func (m *Metrics) JobFailed(ctx context.Context, surfaceID string, terminal bool) {
	if m == nil {
		return
	}
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("surface", surfaceID),
		attribute.Bool("terminal", terminal),
	))
}

func (m *Metrics) StudyTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.studyTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// AdapterQuery records one backend call.
func (m *Metrics) AdapterQuery(ctx context.Context, surfaceID, adapterID string, elapsed time.Duration, code string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("surface", surfaceID),
		attribute.String("adapter", adapterID),
	)
	m.adapterDuration.Record(ctx, elapsed.Seconds(), attrs)
	if code != "" {
		m.adapterErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("surface", surfaceID),
			attribute.String("adapter", adapterID),
			attribute.String("code", code),
		))
	}
}

func (m *Metrics) CircuitOpened(ctx context.Context, surfaceID, adapterID string) {
	if m == nil {
		return
	}
	m.circuitOpened.Add(ctx, 1, metric.WithAttributes(
		attribute.String("surface", surfaceID),
		attribute.String("adapter", adapterID),
	))
}

func (m *Metrics) EvidenceCaptured(ctx context.Context, level string) {
	if m == nil {
		return
	}
	m.evidenceCaptured.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

func (m *Metrics) EvidenceVerified(ctx context.Context, valid bool) {
	if m == nil {
		return
	}
	m.evidenceVerified.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}

func (m *Metrics) CheckpointCreated(ctx context.Context, persisted bool) {
	if m == nil {
		return
	}
	m.checkpoints.Add(ctx, 1, metric.WithAttributes(attribute.Bool("persisted", persisted)))
}
