package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type captureEmitter struct {
	mu      sync.Mutex
	samples []MetricSample
}

func (e *captureEmitter) Emit(samples []MetricSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, samples...)
}

func (e *captureEmitter) all() []MetricSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]MetricSample, len(e.samples))
	copy(out, e.samples)
	return out
}

func metricRow(pkg string, state int32, accesses int64) AggregatedEvent {
	return AggregatedEvent{
		SubjectID:    7,
		PackageName:  pkg,
		OpCode:       OpCamera,
		OpFlags:      OpFlagSelf,
		SubjectState: state,
		AccessCount:  accesses,
	}
}

func TestMetricsForegroundBackgroundSplit(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewMetricsAggregator(emitter)

	fg := metricRow("com.example.maps", foregroundStateThreshold, 2)
	fg.RejectCount = 1
	fg.TotalDuration = 400
	m.Observe(fg)

	bg := metricRow("com.example.maps", foregroundStateThreshold-1, 3)
	bg.RejectCount = 2
	bg.TotalDuration = 700
	m.Observe(bg)
	m.Close()

	samples := emitter.all()
	require.Len(t, samples, 1)
	require.Equal(t, "com.example.maps", samples[0].PackageName)
	require.Equal(t, int64(2), samples[0].ForegroundAccessCount)
	require.Equal(t, int64(3), samples[0].BackgroundAccessCount)
	require.Equal(t, int64(1), samples[0].ForegroundRejectCount)
	require.Equal(t, int64(2), samples[0].BackgroundRejectCount)
	require.Equal(t, int64(400), samples[0].ForegroundDurationMs)
	require.Equal(t, int64(700), samples[0].BackgroundDurationMs)
}

func TestMetricsGatesOpFlags(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewMetricsAggregator(emitter)

	proxy := metricRow("com.example.proxy", 0, 1)
	proxy.OpFlags = OpFlagTrustedProxy // the proxy hop itself is not counted
	m.Observe(proxy)

	proxied := metricRow("com.example.behalf", 0, 1)
	proxied.OpFlags = OpFlagTrustedProxied
	m.Observe(proxied)

	m.Close()

	samples := emitter.all()
	require.Len(t, samples, 1)
	require.Equal(t, "com.example.behalf", samples[0].PackageName)
}

func TestMetricsCountsRejectAndDurationOnlyRows(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewMetricsAggregator(emitter)

	rejectOnly := metricRow("com.example.denied", 0, 0)
	rejectOnly.RejectCount = 4
	m.Observe(rejectOnly)

	durationOnly := metricRow("com.example.recorder", foregroundStateThreshold, 0)
	durationOnly.TotalDuration = 500
	m.Observe(durationOnly)

	m.Close()

	samples := emitter.all()
	require.Len(t, samples, 2)
	for _, s := range samples {
		switch s.PackageName {
		case "com.example.denied":
			require.Equal(t, int64(4), s.BackgroundRejectCount)
			require.Zero(t, s.BackgroundAccessCount)
		case "com.example.recorder":
			require.Equal(t, int64(500), s.ForegroundDurationMs)
			require.Zero(t, s.ForegroundAccessCount)
		default:
			t.Fatalf("unexpected sample for %s", s.PackageName)
		}
	}
}

func TestMetricsEmitsWhenKeySetFills(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewMetricsAggregator(emitter)
	defer m.Close()

	for i := 0; i < metricsMaxKeys; i++ {
		m.Observe(metricRow(fmt.Sprintf("com.example.app%d", i), 0, 1))
	}

	require.Eventually(t, func() bool {
		return len(emitter.all()) >= metricsMaxKeys
	}, 2*time.Second, 10*time.Millisecond, "filling the key set must force an emit before the delay expires")
}

func TestMetricsCloseDrainsPending(t *testing.T) {
	emitter := &captureEmitter{}
	m := NewMetricsAggregator(emitter)

	m.Observe(metricRow("com.example.maps", 0, 1))
	m.Close()

	require.Len(t, emitter.all(), 1)
}
