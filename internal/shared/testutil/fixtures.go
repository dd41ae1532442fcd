package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"desklicense/internal/keystore"
)

// Epoch is the reference instant used across license tests.
var Epoch = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

// Clock is a settable time source.
type Clock struct {
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current reading.
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// NewKeyStore returns a store where kids were rotated in order, so the last
// one is active and the rest are retired.
func NewKeyStore(t *testing.T, kids ...string) *keystore.Store {
	t.Helper()

	s := keystore.NewStore()
	for _, kid := range kids {
		k, err := keystore.GenerateSigningKey(kid)
		require.NoError(t, err)
		_, err = s.Rotate(k)
		require.NoError(t, err)
	}
	return s
}

// MetricReader collects metrics from an isolated meter provider.
type MetricReader struct {
	reader *sdkmetric.ManualReader
	Meter  metric.Meter
}

// NewMetricReader builds a meter backed by a manual reader.
func NewMetricReader() *MetricReader {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &MetricReader{reader: reader, Meter: provider.Meter("test")}
}

// Counter sums the int64 counter name over data points carrying every
// attribute in attrs.
func (m *MetricReader) Counter(t *testing.T, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, m.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			if mm.Name != name {
				continue
			}
			sum, ok := mm.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if hasAll(dp.Attributes, attrs) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// HistogramCount returns how many observations the histogram name received.
func (m *MetricReader) HistogramCount(t *testing.T, name string) uint64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, m.reader.Collect(context.Background(), &rm))

	var total uint64
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			if mm.Name != name {
				continue
			}
			hist, ok := mm.Data.(metricdata.Histogram[float64])
			require.True(t, ok, "%s is not a float64 histogram", name)
			for _, dp := range hist.DataPoints {
				total += dp.Count
			}
		}
	}
	return total
}

func hasAll(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}
