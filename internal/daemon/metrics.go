package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/cloudwatcher/types"
)

// SyncMetrics records orchestration metrics using OTEL semantic conventions.
// It implements orchestrator.Metrics.
type SyncMetrics struct {
	runs         metric.Int64Counter
	runDuration  metric.Float64Histogram
	accountSyncs metric.Int64Counter
	instances    metric.Int64Gauge
	transitions  metric.Int64Counter
	anomalies    metric.Int64Counter
}

// NewSyncMetrics creates the instruments on meter
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	runs, err := meter.Int64Counter(
		"cloudwatcher.sync.runs",
		metric.WithDescription("Number of orchestration runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"cloudwatcher.sync.duration",
		metric.WithDescription("Duration of orchestration runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	accountSyncs, err := meter.Int64Counter(
		"cloudwatcher.account.syncs",
		metric.WithDescription("Number of per-account sync attempts"),
		metric.WithUnit("{sync}"),
	)
	if err != nil {
		return nil, err
	}

	instances, err := meter.Int64Gauge(
		"cloudwatcher.instances.discovered",
		metric.WithDescription("Instances in the latest snapshot of an account"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	transitions, err := meter.Int64Counter(
		"cloudwatcher.transitions",
		metric.WithDescription("Instance state transitions detected"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	anomalies, err := meter.Int64Counter(
		"cloudwatcher.anomalies",
		metric.WithDescription("Duplicate instance identities seen in snapshots"),
		metric.WithUnit("{anomaly}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		runs:         runs,
		runDuration:  runDuration,
		accountSyncs: accountSyncs,
		instances:    instances,
		transitions:  transitions,
		anomalies:    anomalies,
	}, nil
}

func runStatus(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordRun records a finished orchestration run
func (m *SyncMetrics) RecordRun(ctx context.Context, source types.TriggerSource, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("status", runStatus(success)),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAccount records one account outcome
func (m *SyncMetrics) RecordAccount(ctx context.Context, o types.AccountOutcome) {
	attrs := []attribute.KeyValue{
		attribute.String("cloud.provider", string(o.Provider)),
		attribute.String("status", string(o.Status)),
	}
	if o.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error.type", string(o.ErrorKind)))
	}
	m.accountSyncs.Add(ctx, 1, metric.WithAttributes(attrs...))

	if o.Status == types.OutcomeConnected {
		m.instances.Record(ctx, int64(o.Count), metric.WithAttributes(
			attribute.String("cloud.provider", string(o.Provider)),
			attribute.String("cloud.account.id", o.AccountID),
		))
	}
}

// RecordTransitions counts transitions by provider and state pair
func (m *SyncMetrics) RecordTransitions(ctx context.Context, transitions []types.Transition) {
	for _, t := range transitions {
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("cloud.provider", string(t.Identity.Provider)),
			attribute.String("from", t.PreviousState),
			attribute.String("to", t.NewState),
		))
	}
}

// RecordAnomalies counts duplicate identities
func (m *SyncMetrics) RecordAnomalies(ctx context.Context, count int) {
	if count > 0 {
		m.anomalies.Add(ctx, int64(count))
	}
}
