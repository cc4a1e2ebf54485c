package history

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// maxDatabaseFileBytes bounds each archive's database file. Crossing it
	// prunes the oldest rows down by one cache capacity worth.
	maxDatabaseFileBytes = 50 * 1024 * 1024

	writeTimeout = 30 * time.Second
)

// Archive is one aggregation window: an in-memory cache in front of a
// durable store, with a scheduler that owns all background writes. The
// short-window archive keeps fine-grained recent history; the long-window
// archive keeps coarse history for the full retention period.
type Archive struct {
	label   string
	store   Store
	cache   *Cache
	metrics *MetricsAggregator

	quantization atomic.Int64 // millis
	retention    atomic.Int64 // millis

	nowMillis func() int64

	scheduler *Scheduler
}

// ArchiveParams are the per-window tuning knobs.
type ArchiveParams struct {
	Label           string
	QuantizationMs  int64
	RetentionMs     int64
	CacheCapacity   int
	Clock           func() int64 // nil means wall clock
	MetricsObserver *MetricsAggregator
}

func NewArchive(store Store, p ArchiveParams) *Archive {
	clock := p.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	a := &Archive{
		label:     p.Label,
		store:     store,
		cache:     NewCache(p.CacheCapacity),
		metrics:   p.MetricsObserver,
		nowMillis: clock,
	}
	a.quantization.Store(p.QuantizationMs)
	a.retention.Store(p.RetentionMs)
	a.scheduler = NewScheduler(p.Label, a, a.cache.FullSignal())
	return a
}

// Start runs the archive's write scheduler until the context is cancelled.
func (a *Archive) Start(ctx context.Context) error {
	return a.scheduler.Start(ctx)
}

// SetParams applies a runtime configuration refresh. In-flight cache
// entries keep the discretization they were recorded under; only new
// events see the updated quantization.
func (a *Archive) SetParams(quantizationMs, retentionMs int64) {
	a.quantization.Store(quantizationMs)
	a.retention.Store(retentionMs)
}

// Quantization returns the current window size in millis.
func (a *Archive) Quantization() int64 {
	return a.quantization.Load()
}

// Retention returns the current retention period in millis.
func (a *Archive) Retention() int64 {
	return a.retention.Load()
}

// RecordAccess merges one access report into the cache. A start-or-resume
// access opens a duration of zero that later duration deltas extend; a
// one-shot access has no duration.
func (a *Archive) RecordAccess(ev AccessEvent, count int64, startOrResume bool) {
	if startOrResume {
		ev.Duration = 0
	} else {
		ev.Duration = DurationNone
	}
	key := NewAggregationKey(ev, a.quantization.Load())
	a.cache.Record(key, ev.AccessTime, ev.Duration, count, 0, 0)
}

// RecordReject merges one rejected-access report into the cache.
func (a *Archive) RecordReject(ev AccessEvent, count int64) {
	ev.Duration = DurationNone
	key := NewAggregationKey(ev, a.quantization.Load())
	a.cache.Record(key, ev.AccessTime, ev.Duration, 0, count, 0)
}

// RecordDuration adds a duration delta for an in-progress access. The
// delta is the event's duration, so updates aggregate in buckets keyed by
// their own discretized duration, apart from the start access. A delta of
// DurationNone marks the access finished without a measured extension.
func (a *Archive) RecordDuration(ev AccessEvent, deltaMillis int64) {
	ev.Duration = deltaMillis
	key := NewAggregationKey(ev, a.quantization.Load())
	a.cache.Record(key, ev.AccessTime, ev.Duration, 0, 0, deltaMillis)
}

// Query reads matching rows from the durable store. Cache entries that
// could match are flushed first on the caller's goroutine, so reads always
// see their own prior writes. Bounds are clamped to the retention window
// and widened to whole quantization windows.
func (a *Archive) Query(ctx context.Context, f StoreFilter) ([]AggregatedEvent, error) {
	a.flushForRead(ctx, f.OpCodes)

	q := a.quantization.Load()
	now := a.nowMillis()
	oldest := DiscretizeTimestamp(now-a.retention.Load(), q)
	begin := DiscretizeTimestamp(f.BeginTime, q)
	if begin < oldest {
		begin = oldest
	}
	f.BeginTime = begin
	f.EndTime = DiscretizeTimestamp(f.EndTime+q, q)

	return a.store.Query(ctx, f)
}

func (a *Archive) flushForRead(ctx context.Context, opCodes []int32) {
	var rows []AggregatedEvent
	if len(opCodes) > 0 {
		rows = a.cache.EvictOps(opCodes)
	} else {
		rows = a.cache.EvictAll()
	}
	a.writeBatch(ctx, rows, WriteReasonRead)
}

// MaxChainID reports the largest persisted chain id.
func (a *Archive) MaxChainID(ctx context.Context) (int64, error) {
	return a.store.MaxChainID(ctx)
}

// Clear drops all cached and persisted history.
func (a *Archive) Clear(ctx context.Context) error {
	a.cache.Clear()
	return a.store.DeleteAll(ctx)
}

// ClearFor drops cached and persisted history for one subject and package.
func (a *Archive) ClearFor(ctx context.Context, subjectID int32, packageName string) error {
	a.cache.ClearFor(subjectID, packageName)
	return a.store.DeleteFor(ctx, subjectID, packageName)
}

// Shutdown flushes the whole cache synchronously. The scheduler must
// already be stopped so the two never write concurrently.
func (a *Archive) Shutdown(ctx context.Context) {
	a.writeBatch(ctx, a.cache.EvictAll(), WriteReasonShutdown)
}

// FlushStale persists buckets from closed quantization windows.
func (a *Archive) FlushStale(ctx context.Context) {
	rows := a.cache.EvictStale(a.nowMillis(), a.quantization.Load())
	a.writeBatch(ctx, rows, WriteReasonPeriodic)
	a.ensureStoreSize(ctx)
}

// FlushFull handles the cache reaching capacity: stale buckets go first,
// and when every bucket belongs to the still-open window the whole cache
// is persisted to make room.
func (a *Archive) FlushFull(ctx context.Context) {
	rows := a.cache.EvictStale(a.nowMillis(), a.quantization.Load())
	if len(rows) == 0 && a.cache.Len() >= a.cache.Capacity() {
		rows = a.cache.EvictAll()
	}
	a.writeBatch(ctx, rows, WriteReasonCacheFull)
	a.ensureStoreSize(ctx)
}

// DeleteExpired removes persisted rows older than the retention period.
func (a *Archive) DeleteExpired(ctx context.Context) {
	cutoff := a.nowMillis() - a.retention.Load()
	if err := a.store.DeleteBefore(ctx, cutoff); err != nil {
		slog.Error("[Archive] Couldn't delete expired rows", "archive", a.label, "error", err)
	}
}

func (a *Archive) writeBatch(ctx context.Context, rows []AggregatedEvent, reason string) {
	if len(rows) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := a.store.InsertBatch(ctx, rows, reason); err != nil {
		// The batch is already out of the cache. History is best-effort:
		// losing it must never take the caller down.
		slog.Error("[Archive] Lost batch on write failure",
			"archive", a.label,
			"rows", len(rows),
			"reason", reason,
			"error", err,
		)
		return
	}
	if a.metrics != nil {
		for _, row := range rows {
			a.metrics.Observe(row)
		}
	}
}

func (a *Archive) ensureStoreSize(ctx context.Context) {
	size := a.store.FileSize()
	if size <= maxDatabaseFileBytes {
		return
	}
	slog.Warn("[Archive] Database over size ceiling, pruning oldest rows",
		"archive", a.label,
		"size_bytes", size,
		"ceiling_bytes", int64(maxDatabaseFileBytes),
	)
	if err := a.store.DeleteOldest(ctx, a.cache.Capacity()); err != nil {
		slog.Error("[Archive] Couldn't prune oldest rows", "archive", a.label, "error", err)
	}
}
