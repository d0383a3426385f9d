package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumByAttr returns the value of the int64 sum data point carrying key=value.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordTranscription_Success(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscription(ctx, "bigasr", 2*time.Second, 3*time.Second, nil)
	m.RecordTranscription(ctx, "bigasr", 4*time.Second, 5*time.Second, nil)

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "murmur.provider.requests", "status", StatusOK); got != 2 {
		t.Errorf("ok requests = %d, want 2", got)
	}

	for _, tc := range []struct {
		name string
		sum  float64
	}{
		{"murmur.transcription.duration", 6},
		{"murmur.audio.duration", 8},
	} {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Fatalf("metric %q not found", tc.name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 {
			t.Fatalf("metric %q: unexpected data %T", tc.name, met.Data)
		}
		if dp := hist.DataPoints[0]; dp.Count != 2 || dp.Sum != tc.sum {
			t.Errorf("%s: count=%d sum=%v, want 2 / %v", tc.name, dp.Count, dp.Sum, tc.sum)
		}
	}
}

func TestRecordTranscription_Failure(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordTranscription(context.Background(), "groq", time.Second, time.Second, errors.New("boom"))

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "murmur.provider.requests", "status", StatusError); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
	if met := findMetric(rm, "murmur.transcription.duration"); met != nil {
		if hist := met.Data.(metricdata.Histogram[float64]); len(hist.DataPoints) != 0 {
			t.Error("failed call recorded a latency sample")
		}
	}
}

func TestRecordProviderError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "bigasr", "timeout")
	m.RecordProviderError(ctx, "bigasr", "timeout")
	m.RecordProviderError(ctx, "bigasr", "server")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "murmur.provider.errors", "kind", "timeout"); got != 2 {
		t.Errorf("timeout errors = %d, want 2", got)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordBreakerTransition(context.Background(), "groq", "open")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "murmur.provider.breaker.transitions", "to", "open"); got != 1 {
		t.Errorf("transitions = %d, want 1", got)
	}
}

func TestCountersAndGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Partials.Add(ctx, 7)
	m.Retries.Add(ctx, 2)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	for _, tc := range []struct {
		name string
		want int64
	}{
		{"murmur.transcription.partials", 7},
		{"murmur.transcription.retries", 2},
		{"murmur.active_sessions", 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no sum data", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
