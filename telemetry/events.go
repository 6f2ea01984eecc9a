package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cloudwatcher/types"
)

// RecordTransitionEvent attaches an instance state change to span
func RecordTransitionEvent(span trace.Span, t types.Transition) {
	if span == nil {
		return
	}

	span.AddEvent("instance.transition", trace.WithAttributes(
		attribute.String("event.type", "instance.transition"),
		attribute.String("account.id", t.AccountID),
		attribute.String("provider", string(t.Identity.Provider)),
		attribute.String("instance.id", t.Identity.InstanceID),
		attribute.String("region", t.Identity.Region),
		attribute.String("state.previous", t.PreviousState),
		attribute.String("state.current", t.NewState),
	))
}

// RecordAnomalyEvent attaches a snapshot anomaly to span
func RecordAnomalyEvent(span trace.Span, accountID string, a types.Anomaly) {
	if span == nil {
		return
	}

	span.AddEvent("snapshot.anomaly", trace.WithAttributes(
		attribute.String("event.type", "snapshot.anomaly"),
		attribute.String("anomaly.kind", string(a.Kind)),
		attribute.String("account.id", accountID),
		attribute.String("identity", a.Identity.Key()),
		attribute.Int("occurrences", a.Occurrences),
	))
}

// RecordOutcomeAttributes sets the result of an account sync on span
func RecordOutcomeAttributes(span trace.Span, o types.AccountOutcome) {
	if span == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("sync.status", string(o.Status)),
		attribute.Int("instances.count", o.Count),
		attribute.Int("transitions.count", o.Transitions),
		attribute.Int("instances.disappeared", o.Disappeared),
		attribute.Int("recommendations.count", o.Recommendations),
	}
	if o.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error.kind", string(o.ErrorKind)))
	}
	span.SetAttributes(attrs...)
}
