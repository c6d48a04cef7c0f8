package observability_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/openledger/ledgerstream/pkg/observability"
)

func TestNewMetrics_RecordsThroughSDK(t *testing.T) {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	m, err := observability.NewMetrics(provider.Meter("ledgerstream-test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.CommandTotal.Add(ctx, 3)
	m.EventsAppended.Add(ctx, 5)
	m.CommandDuration.Record(ctx, 0.25)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := make(map[string]metricdata.Metrics)
	for _, collected := range rm.ScopeMetrics[0].Metrics {
		byName[collected.Name] = collected
	}

	total, ok := byName["ledgerstream.command.total"]
	require.True(t, ok, "command.total not collected")
	sum, ok := total.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.EqualValues(t, 3, sum.DataPoints[0].Value)

	appended, ok := byName["ledgerstream.eventlog.appended"]
	require.True(t, ok, "eventlog.appended not collected")
	sum, ok = appended.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.EqualValues(t, 5, sum.DataPoints[0].Value)

	duration, ok := byName["ledgerstream.command.duration"]
	require.True(t, ok, "command.duration not collected")
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.EqualValues(t, 1, hist.DataPoints[0].Count)
}

func TestNewNopMetrics_IsSafe(t *testing.T) {
	m := observability.NewNopMetrics()
	require.NotNil(t, m)

	// All instruments must accept writes without a configured pipeline.
	ctx := context.Background()
	m.CommandTotal.Add(ctx, 1)
	m.CommandErrors.Add(ctx, 1)
	m.ConflictRetries.Add(ctx, 1)
	m.RecordsFetched.Add(ctx, 1)
	m.ProjectionApplies.Add(ctx, 1)
	m.CommandDuration.Record(ctx, 0.1)
	m.EventLogLatency.Record(ctx, 0.1)
}
