package history

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Default window parameters. The short window keeps fine-grained recent
// history for the allow-listed sensitive operations; everything else lands
// in the coarse long window.
const (
	DefaultShortQuantizationMs = int64(60 * 1000)       // 1 minute
	DefaultLongQuantizationMs  = int64(15 * 60 * 1000)  // 15 minutes
	DefaultRetentionMs         = int64(7 * 24 * 3600e3) // 7 days
)

// DefaultShortWindowOps is the built-in allow-list of operations routed to
// the short window. Config can replace it at runtime; a malformed list
// falls back here.
var DefaultShortWindowOps = []int32{
	OpCoarseLocation,
	OpFineLocation,
	OpCamera,
	OpPhoneCallCamera,
	OpRecordAudio,
	OpPhoneCallMicrophone,
	OpReceiveAmbientTriggerAudio,
	OpReceiveSandboxTriggerAudio,
}

// DefaultShortWindowOpFlags gates short-window routing to direct accesses
// and trusted-proxied accesses.
const DefaultShortWindowOpFlags = OpFlagSelf | OpFlagTrustedProxied

// Params configure both windows and the routing between them.
type Params struct {
	ShortQuantizationMs int64
	LongQuantizationMs  int64
	RetentionMs         int64
	ShortWindowOps      []int32
	ShortWindowOpFlags  int32
}

func (p Params) normalized() Params {
	if p.ShortQuantizationMs <= 0 {
		p.ShortQuantizationMs = DefaultShortQuantizationMs
	}
	if p.LongQuantizationMs <= 0 {
		p.LongQuantizationMs = DefaultLongQuantizationMs
	}
	if p.RetentionMs <= 0 {
		p.RetentionMs = DefaultRetentionMs
	}
	if len(p.ShortWindowOps) == 0 {
		p.ShortWindowOps = DefaultShortWindowOps
	}
	if p.ShortWindowOpFlags == 0 {
		p.ShortWindowOpFlags = DefaultShortWindowOpFlags
	}
	ops := slices.Clone(p.ShortWindowOps)
	slices.Sort(ops)
	p.ShortWindowOps = slices.Compact(ops)
	return p
}

type routingTable struct {
	ops         []int32 // sorted
	opFlagsMask int32
}

// Registry is the engine's front door: it routes report verbs to the right
// window, keeps chain ids globally increasing across restarts, and answers
// chain-aware history queries over both windows.
type Registry struct {
	short   *Archive
	long    *Archive
	metrics *MetricsAggregator

	routing atomic.Pointer[routingTable]

	chainMu       sync.Mutex
	chainIDOffset int64

	schedStarted atomic.Bool
	schedDone    chan struct{}
}

// NewRegistry builds both archives over their stores. Call Ready before
// reporting and Start to run the background schedulers.
func NewRegistry(shortStore, longStore Store, p Params, emitter Emitter, clock func() int64) *Registry {
	p = p.normalized()
	r := &Registry{
		metrics:   NewMetricsAggregator(emitter),
		schedDone: make(chan struct{}),
	}
	r.short = NewArchive(shortStore, ArchiveParams{
		Label:           "short_window",
		QuantizationMs:  p.ShortQuantizationMs,
		RetentionMs:     p.RetentionMs,
		Clock:           clock,
		MetricsObserver: r.metrics,
	})
	r.long = NewArchive(longStore, ArchiveParams{
		Label:           "long_window",
		QuantizationMs:  p.LongQuantizationMs,
		RetentionMs:     p.RetentionMs,
		Clock:           clock,
		MetricsObserver: r.metrics,
	})
	r.routing.Store(&routingTable{ops: p.ShortWindowOps, opFlagsMask: p.ShortWindowOpFlags})
	return r
}

// Ready seeds the chain-id offset from the short store. The inbound chain
// id generator restarts from zero with the host process; adding the
// previously persisted maximum keeps ids globally increasing.
func (r *Registry) Ready(ctx context.Context) error {
	maxID, err := r.short.MaxChainID(ctx)
	if err != nil {
		return err
	}
	r.chainMu.Lock()
	r.chainIDOffset = maxID
	r.chainMu.Unlock()
	slog.Info("[Registry] History engine ready", "chain_id_offset", maxID)
	return nil
}

// Start runs both archive schedulers until the context is cancelled.
// Shutdown waits for Start to return before flushing.
func (r *Registry) Start(ctx context.Context) error {
	r.schedStarted.Store(true)
	defer close(r.schedDone)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.short.Start(ctx) })
	g.Go(func() error { return r.long.Start(ctx) })
	return g.Wait()
}

// Refresh applies updated configuration: routing table, quantization, and
// retention. Live cache entries keep their original discretization.
func (r *Registry) Refresh(p Params) {
	p = p.normalized()
	r.routing.Store(&routingTable{ops: p.ShortWindowOps, opFlagsMask: p.ShortWindowOpFlags})
	r.short.SetParams(p.ShortQuantizationMs, p.RetentionMs)
	r.long.SetParams(p.LongQuantizationMs, p.RetentionMs)
	slog.Info("[Registry] Configuration refreshed",
		"short_quantization_ms", p.ShortQuantizationMs,
		"long_quantization_ms", p.LongQuantizationMs,
		"retention_ms", p.RetentionMs,
		"short_window_ops", len(p.ShortWindowOps),
	)
}

// Shutdown flushes both caches synchronously and drains pending metrics.
// Cancel the Start context first; Shutdown blocks until the schedulers have
// exited so the final flush never races an in-flight scheduled write.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.schedStarted.Load() {
		select {
		case <-r.schedDone:
		case <-ctx.Done():
			slog.Warn("[Registry] Schedulers still running at shutdown deadline")
		}
	}
	r.short.Shutdown(ctx)
	r.long.Shutdown(ctx)
	r.metrics.Close()
	slog.Info("[Registry] History engine shut down")
}

// ReportAccess records count accesses for one event. startOrResume opens
// duration tracking at zero for later ReportDurationDelta calls.
func (r *Registry) ReportAccess(ev AccessEvent, count int64, startOrResume bool) {
	if arch, isShort := r.route(ev.OpCode, ev.OpFlags); isShort {
		ev.ChainID = r.absoluteChainID(ev.ChainID)
		arch.RecordAccess(ev, count, startOrResume)
	} else {
		ev.AttributionFlags = AttributionFlagsNone
		ev.ChainID = ChainNone
		arch.RecordAccess(ev, count, startOrResume)
	}
}

// ReportReject records count rejected accesses. Rejections never carry
// attribution chains.
func (r *Registry) ReportReject(ev AccessEvent, count int64) {
	ev.AttributionFlags = AttributionFlagsNone
	ev.ChainID = ChainNone
	arch, _ := r.route(ev.OpCode, ev.OpFlags)
	arch.RecordReject(ev, count)
}

// ReportDurationDelta extends an in-progress access by deltaMillis.
func (r *Registry) ReportDurationDelta(ev AccessEvent, deltaMillis int64) {
	if arch, isShort := r.route(ev.OpCode, ev.OpFlags); isShort {
		ev.ChainID = r.absoluteChainID(ev.ChainID)
		arch.RecordDuration(ev, deltaMillis)
	} else {
		ev.AttributionFlags = AttributionFlagsNone
		ev.ChainID = ChainNone
		arch.RecordDuration(ev, deltaMillis)
	}
}

// ClearAll drops all cached and persisted history in both windows.
func (r *Registry) ClearAll(ctx context.Context) error {
	return errors.Join(r.short.Clear(ctx), r.long.Clear(ctx))
}

// ClearFor drops history for one subject and package in both windows.
func (r *Registry) ClearFor(ctx context.Context, subjectID int32, packageName string) error {
	return errors.Join(
		r.short.ClearFor(ctx, subjectID, packageName),
		r.long.ClearFor(ctx, subjectID, packageName),
	)
}

func (r *Registry) route(opCode, opFlags int32) (arch *Archive, isShort bool) {
	rt := r.routing.Load()
	if _, ok := slices.BinarySearch(rt.ops, opCode); ok && opFlags&rt.opFlagsMask != 0 {
		return r.short, true
	}
	return r.long, false
}

func (r *Registry) absoluteChainID(id int64) int64 {
	if id == ChainNone {
		return ChainNone
	}
	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	abs := r.chainIDOffset + id
	// The inbound generator wraps after its int32 maximum; folding that
	// point into the offset keeps absolute ids increasing across the wrap.
	if id == math.MaxInt32 {
		r.chainIDOffset = abs
	}
	return abs
}

// QueryRequest describes one history read.
type QueryRequest struct {
	BeginTime      int64
	EndTime        int64
	SubjectID      int32 // SubjectNone disables
	PackageName    string
	AttributionTag string
	OpCodes        []int32
	OpFlagsMask    int32
	Limit          int
	Descending     bool

	IncludeDiscrete  bool
	IncludeAggregate bool
	// ExemptPackages are invisible as chain proxies (system-internal
	// intermediaries the privacy UI should not name).
	ExemptPackages []string
}

// ProxyInfo names the chain member an access happened on behalf of.
type ProxyInfo struct {
	SubjectID      int32  `json:"subject_id"`
	PackageName    string `json:"package_name"`
	AttributionTag string `json:"attribution_tag,omitempty"`
}

// DiscreteEvent is one persisted row, annotated with proxy info when it
// starts a complete attribution chain.
type DiscreteEvent struct {
	AggregatedEvent
	Proxy *ProxyInfo
}

// AggregateEntry is the folded totals for one (subject, package, op).
type AggregateEntry struct {
	SubjectID   int32
	PackageName string
	OpCode      int32
	Totals
}

// Result carries whichever views the request asked for.
type Result struct {
	Discrete  []DiscreteEvent
	Aggregate []AggregateEntry
}

// Query flushes the relevant cache entries, reads both windows, and
// assembles the requested views. Store failures degrade to partial or
// empty results rather than erroring: this is archival data.
func (r *Registry) Query(ctx context.Context, req QueryRequest) Result {
	f := StoreFilter{
		BeginTime:      req.BeginTime,
		EndTime:        req.EndTime,
		SubjectID:      req.SubjectID,
		PackageName:    req.PackageName,
		AttributionTag: req.AttributionTag,
		OpCodes:        req.OpCodes,
		OpFlagsMask:    req.OpFlagsMask,
		OrderByTime:    true,
		Descending:     req.Descending,
		Limit:          req.Limit,
	}

	shortRows, err := r.short.Query(ctx, f)
	if err != nil {
		slog.Error("[Registry] Short-window query failed, returning partial results", "error", err)
	}
	longRows, err := r.long.Query(ctx, f)
	if err != nil {
		slog.Error("[Registry] Long-window query failed, returning partial results", "error", err)
	}

	var res Result
	if req.IncludeDiscrete {
		res.Discrete = r.assembleDiscrete(shortRows, longRows, req.ExemptPackages)
	}
	if req.IncludeAggregate {
		res.Aggregate = aggregateRows(shortRows, longRows)
	}
	return res
}

func (r *Registry) assembleDiscrete(shortRows, longRows []AggregatedEvent, exemptPackages []string) []DiscreteEvent {
	exempt := make(map[string]struct{}, len(exemptPackages))
	for _, pkg := range exemptPackages {
		exempt[pkg] = struct{}{}
	}
	// Only short-window rows carry chains; the long window stores them
	// stripped.
	chains := BuildAttributionChains(shortRows, exempt)

	out := make([]DiscreteEvent, 0, len(shortRows)+len(longRows))
	for _, row := range append(shortRows, longRows...) {
		de := DiscreteEvent{AggregatedEvent: row}
		if chain, ok := chains[row.ChainID]; ok && chain.IsComplete() && chain.IsStart(row) {
			if lv := chain.LastVisible(); lv != nil {
				de.Proxy = &ProxyInfo{
					SubjectID:      lv.SubjectID,
					PackageName:    lv.PackageName,
					AttributionTag: lv.AttributionTag,
				}
			}
		}
		out = append(out, de)
	}
	return out
}

func aggregateRows(shortRows, longRows []AggregatedEvent) []AggregateEntry {
	type foldKey struct {
		subjectID   int32
		packageName string
		opCode      int32
	}
	folded := make(map[foldKey]*AggregateEntry)
	for _, row := range append(shortRows, longRows...) {
		k := foldKey{row.SubjectID, row.PackageName, row.OpCode}
		entry := folded[k]
		if entry == nil {
			entry = &AggregateEntry{SubjectID: k.subjectID, PackageName: k.packageName, OpCode: k.opCode}
			folded[k] = entry
		}
		duration := row.TotalDuration
		if duration < 0 {
			duration = 0
		}
		entry.Add(row.AccessCount, row.RejectCount, duration)
	}

	out := make([]AggregateEntry, 0, len(folded))
	for _, entry := range folded {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		if out[i].PackageName != out[j].PackageName {
			return out[i].PackageName < out[j].PackageName
		}
		return out[i].OpCode < out[j].OpCode
	})
	return out
}
