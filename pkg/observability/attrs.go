package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for bentham spans.
var (
	AttrStudyID    = attribute.Key("bentham.study.id")
	AttrJobID      = attribute.Key("bentham.job.id")
	AttrSurfaceID  = attribute.Key("bentham.surface.id")
	AttrLocationID = attribute.Key("bentham.location.id")
	AttrAttempt    = attribute.Key("bentham.job.attempt")
	AttrAdapterID  = attribute.Key("bentham.adapter.id")
)

// JobAttributes describes one job attempt.
func JobAttributes(studyID, jobID, surfaceID, locationID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStudyID.String(studyID),
		AttrJobID.String(jobID),
		AttrSurfaceID.String(surfaceID),
		AttrLocationID.String(locationID),
		AttrAttempt.Int(attempt),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
