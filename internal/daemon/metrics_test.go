package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/cloudwatcher/types"
)

func newTestMetrics(t *testing.T) (*SyncMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewSyncMetrics(provider.Meter("cloudwatcher.test"))
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestSyncMetrics_RecordRun(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRun(ctx, types.SourceSchedule, true, 1500*time.Millisecond)
	m.RecordRun(ctx, types.SourceSchedule, true, 500*time.Millisecond)
	m.RecordRun(ctx, types.SourceAPI, false, time.Second)

	metrics := collect(t, reader)

	runs, ok := metrics["cloudwatcher.sync.runs"]
	require.True(t, ok, "runs counter not found")
	sum := runs.Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 2)

	bySource := map[string]int64{}
	for _, dp := range sum.DataPoints {
		source, _ := dp.Attributes.Value("source")
		bySource[source.AsString()] = dp.Value
		status, _ := dp.Attributes.Value("status")
		if source.AsString() == "api" {
			assert.Equal(t, "failure", status.AsString())
		}
	}
	assert.Equal(t, int64(2), bySource["schedule"])
	assert.Equal(t, int64(1), bySource["api"])

	duration, ok := metrics["cloudwatcher.sync.duration"]
	require.True(t, ok, "duration histogram not found")
	hist := duration.Data.(metricdata.Histogram[float64])
	var total float64
	var count uint64
	for _, dp := range hist.DataPoints {
		total += dp.Sum
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
	assert.InDelta(t, 3.0, total, 0.0001)
}

func TestSyncMetrics_RecordAccount(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAccount(ctx, types.AccountOutcome{
		AccountID: "acct-1",
		Provider:  types.ProviderAWS,
		Status:    types.OutcomeConnected,
		Count:     42,
	})
	m.RecordAccount(ctx, types.AccountOutcome{
		AccountID: "acct-2",
		Provider:  types.ProviderGCP,
		Status:    types.OutcomeError,
		ErrorKind: types.KindAuth,
	})

	metrics := collect(t, reader)

	syncs := metrics["cloudwatcher.account.syncs"].Data.(metricdata.Sum[int64])
	require.Len(t, syncs.DataPoints, 2)
	for _, dp := range syncs.DataPoints {
		attrs := dp.Attributes.ToSlice()
		provider, _ := dp.Attributes.Value("cloud.provider")
		if provider.AsString() == "gcp" {
			assert.Contains(t, attrs, attribute.String("status", "error"))
			assert.Contains(t, attrs, attribute.String("error.type", "auth"))
		} else {
			assert.Contains(t, attrs, attribute.String("status", "connected"))
		}
	}

	gauge := metrics["cloudwatcher.instances.discovered"].Data.(metricdata.Gauge[int64])
	require.Len(t, gauge.DataPoints, 1, "failed accounts report no instance count")
	dp := gauge.DataPoints[0]
	assert.Equal(t, int64(42), dp.Value)
	assert.Contains(t, dp.Attributes.ToSlice(), attribute.String("cloud.account.id", "acct-1"))
}

func TestSyncMetrics_RecordTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	id := types.Identity{Provider: types.ProviderDigitalOcean, InstanceID: "1", Region: "nyc1"}
	m.RecordTransitions(ctx, []types.Transition{
		{Identity: id, PreviousState: types.StateRunning, NewState: types.StateStopped},
		{Identity: id, PreviousState: types.StateRunning, NewState: types.StateStopped},
		{Identity: id, PreviousState: types.StateStopped, NewState: types.StateRunning},
	})

	sum := collect(t, reader)["cloudwatcher.transitions"].Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 2)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
		assert.Contains(t, dp.Attributes.ToSlice(), attribute.String("cloud.provider", "do"))
		from, _ := dp.Attributes.Value("from")
		if from.AsString() == types.StateRunning {
			assert.Equal(t, int64(2), dp.Value)
		}
	}
	assert.Equal(t, int64(3), total)
}

func TestSyncMetrics_RecordAnomalies(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAnomalies(ctx, 0)
	_, ok := collect(t, reader)["cloudwatcher.anomalies"]
	assert.False(t, ok, "zero anomalies records nothing")

	m.RecordAnomalies(ctx, 3)
	sum := collect(t, reader)["cloudwatcher.anomalies"].Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
}
