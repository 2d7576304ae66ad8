package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewCounters(t *testing.T) {
	assert.Panics(t, func() { _, _ = NewCounters(nil) })

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	counters, err := NewCounters(provider.Meter("eventbox"))
	require.NoError(t, err)
	counters.Dispatched.Inc(3)
	counters.Dispatched.Inc(2)
	counters.DeadLettered.Inc(1)
	counters.Duplicates.Inc(4)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", m.Name)
			require.Len(t, sum.DataPoints, 1)
			values[m.Name] = sum.DataPoints[0].Value
		}
	}
	assert.Equal(t, map[string]int64{
		DispatchedCounter:   5,
		DeadLetteredCounter: 1,
		DuplicatesCounter:   4,
	}, values)
}
