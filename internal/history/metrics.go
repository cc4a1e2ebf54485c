package history

import (
	"log/slog"
	"time"
)

const (
	// metricsMaxKeys caps the pending-count map before a forced emit.
	metricsMaxKeys   = 128
	metricsEmitDelay = 2 * time.Minute

	// Subject states form an ordered scale with foreground at the top.
	// Foreground is the closed band from this threshold up to the scale's
	// maximum; everything below it counts as background.
	foregroundStateThreshold = 100

	metricsBufferSize = 256
)

// noteworthyOpFlags gates which accesses count toward usage metrics: direct
// accesses and accesses proxied through a trusted intermediary.
const noteworthyOpFlags = OpFlagSelf | OpFlagTrustedProxied

// MetricSample is one emitted per-key counter set, split by the subject's
// foreground or background state at access time.
type MetricSample struct {
	PackageName    string
	OpCode         int32
	AttributionTag string

	ForegroundAccessCount int64
	BackgroundAccessCount int64
	ForegroundRejectCount int64
	BackgroundRejectCount int64
	ForegroundDurationMs  int64
	BackgroundDurationMs  int64
}

// Emitter receives aggregated usage samples. The default implementation
// logs them; deployments can swap in a telemetry pipeline.
type Emitter interface {
	Emit(samples []MetricSample)
}

type logEmitter struct{}

func (logEmitter) Emit(samples []MetricSample) {
	for _, s := range samples {
		slog.Info("[Metrics] Aggregated access",
			"package", s.PackageName,
			"op", OpName(s.OpCode),
			"attribution_tag", s.AttributionTag,
			"fg_accesses", s.ForegroundAccessCount,
			"bg_accesses", s.BackgroundAccessCount,
			"fg_rejects", s.ForegroundRejectCount,
			"bg_rejects", s.BackgroundRejectCount,
			"fg_duration_ms", s.ForegroundDurationMs,
			"bg_duration_ms", s.BackgroundDurationMs,
		)
	}
}

type metricKey struct {
	packageName    string
	opCode         int32
	attributionTag string
}

type metricCounts struct {
	fgAccess     int64
	bgAccess     int64
	fgReject     int64
	bgReject     int64
	fgDurationMs int64
	bgDurationMs int64
}

func (c *metricCounts) add(row AggregatedEvent) {
	if row.SubjectState >= foregroundStateThreshold {
		c.fgAccess += row.AccessCount
		c.fgReject += row.RejectCount
		c.fgDurationMs += row.TotalDuration
	} else {
		c.bgAccess += row.AccessCount
		c.bgReject += row.RejectCount
		c.bgDurationMs += row.TotalDuration
	}
}

// MetricsAggregator batches per-access counters and emits them either when
// the key set grows past metricsMaxKeys or after a fixed delay, whichever
// comes first. It is fed the rows of every batch insert. All state is
// confined to the run goroutine; Observe only writes to a channel and drops
// samples when the buffer is full rather than stalling the flush path.
type MetricsAggregator struct {
	emitter Emitter
	in      chan AggregatedEvent
	done    chan struct{}
}

func NewMetricsAggregator(emitter Emitter) *MetricsAggregator {
	if emitter == nil {
		emitter = logEmitter{}
	}
	m := &MetricsAggregator{
		emitter: emitter,
		in:      make(chan AggregatedEvent, metricsBufferSize),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Observe queues one persisted row for counting. Untrusted proxy hops are
// filtered out here so the run loop only sees noteworthy samples; rejects
// and durations count like accesses do.
func (m *MetricsAggregator) Observe(row AggregatedEvent) {
	if row.OpFlags&noteworthyOpFlags == 0 {
		return
	}
	select {
	case m.in <- row:
	default:
		// Counters are advisory; dropping under pressure beats blocking
		// the caller.
	}
}

// Close drains buffered samples, emits whatever is pending, and stops the
// run goroutine. Callers must stop observing before closing.
func (m *MetricsAggregator) Close() {
	close(m.in)
	<-m.done
}

func (m *MetricsAggregator) run() {
	defer close(m.done)

	pending := make(map[metricKey]*metricCounts)
	timer := time.NewTimer(metricsEmitDelay)
	defer timer.Stop()
	timerArmed := true

	flush := func() {
		if len(pending) == 0 {
			return
		}
		samples := make([]MetricSample, 0, len(pending))
		for k, c := range pending {
			samples = append(samples, MetricSample{
				PackageName:           k.packageName,
				OpCode:                k.opCode,
				AttributionTag:        k.attributionTag,
				ForegroundAccessCount: c.fgAccess,
				BackgroundAccessCount: c.bgAccess,
				ForegroundRejectCount: c.fgReject,
				BackgroundRejectCount: c.bgReject,
				ForegroundDurationMs:  c.fgDurationMs,
				BackgroundDurationMs:  c.bgDurationMs,
			})
		}
		m.emitter.Emit(samples)
		pending = make(map[metricKey]*metricCounts)
	}

	for {
		select {
		case row, ok := <-m.in:
			if !ok {
				flush()
				return
			}
			key := metricKey{
				packageName:    row.PackageName,
				opCode:         row.OpCode,
				attributionTag: row.AttributionTag,
			}
			counts := pending[key]
			if counts == nil {
				counts = &metricCounts{}
				pending[key] = counts
			}
			counts.add(row)
			if len(pending) >= metricsMaxKeys {
				flush()
				if timerArmed && !timer.Stop() {
					<-timer.C
				}
				timer.Reset(metricsEmitDelay)
				timerArmed = true
			}

		case <-timer.C:
			timerArmed = false
			flush()
			timer.Reset(metricsEmitDelay)
			timerArmed = true
		}
	}
}
