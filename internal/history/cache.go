package history

import "sync"

// DefaultCacheCapacity is the entry count at which a cache-full flush is
// requested.
const DefaultCacheCapacity = 1024

// bucket holds the mutable side of a cache entry: the running totals plus
// the first event's exact access time and duration, which the key must not
// carry since its equality is discretized.
type bucket struct {
	accessTime int64
	duration   int64
	totals     Totals
}

// Cache aggregates access events in-memory per quantization window.
// Entries are evicted and persisted when a window goes stale, when the
// cache fills up, before a read, and on shutdown. All mutating operations
// hold one mutex; the mutex is never held across store I/O, so Record
// callers never block on a slow flush.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[AggregationKey]*bucket
	full     chan struct{}
}

// NewCache creates a cache that requests an asynchronous flush once it
// holds capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[AggregationKey]*bucket),
		full:     make(chan struct{}, 1),
	}
}

// FullSignal fires when the cache crosses capacity. The channel is
// level-triggered with one buffered token: concurrent writers enqueue at
// most one pending flush, never one per insert.
func (c *Cache) FullSignal() <-chan struct{} {
	return c.full
}

// Record merges the deltas into the bucket for key, creating it from the
// event's exact access time and duration on first occurrence. Never blocks
// on I/O.
func (c *Cache) Record(key AggregationKey, accessTime, duration, accessDelta, rejectDelta, durationDelta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.entries[key]; ok {
		b.totals.Add(accessDelta, rejectDelta, durationDelta)
		return
	}
	c.entries[key] = &bucket{
		accessTime: accessTime,
		duration:   duration,
		totals:     Totals{AccessCount: accessDelta, RejectCount: rejectDelta, DurationMillis: durationDelta},
	}
	if len(c.entries) >= c.capacity {
		select {
		case c.full <- struct{}{}:
		default:
		}
	}
}

// EvictWhere atomically removes and returns all entries whose key matches
// the predicate.
func (c *Cache) EvictWhere(pred func(AggregationKey) bool) []AggregatedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	var evicted []AggregatedEvent
	for key, b := range c.entries {
		if pred(key) {
			evicted = append(evicted, newAggregatedEvent(key, b))
			delete(c.entries, key)
		}
	}
	return evicted
}

// EvictStale removes entries from previous quantization windows, keeping
// the current window mutable. The cutoff compares discretized access
// times: a bucket is stale once discretize(now-quantization) has reached
// its window start.
func (c *Cache) EvictStale(nowMillis, quantization int64) []AggregatedEvent {
	cutoff := DiscretizeTimestamp(nowMillis-quantization, quantization)
	return c.EvictWhere(func(key AggregationKey) bool {
		return key.DiscretizedAccessTime <= cutoff
	})
}

// EvictOps removes entries for the given operation codes.
func (c *Cache) EvictOps(opCodes []int32) []AggregatedEvent {
	ops := make(map[int32]struct{}, len(opCodes))
	for _, op := range opCodes {
		ops[op] = struct{}{}
	}
	return c.EvictWhere(func(key AggregationKey) bool {
		_, ok := ops[key.OpCode]
		return ok
	})
}

// EvictAll removes and returns every entry.
func (c *Cache) EvictAll() []AggregatedEvent {
	return c.EvictWhere(func(AggregationKey) bool { return true })
}

// Snapshot returns the current entries without removing them.
func (c *Cache) Snapshot() []AggregatedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]AggregatedEvent, 0, len(c.entries))
	for key, b := range c.entries {
		events = append(events, newAggregatedEvent(key, b))
	}
	return events
}

// Clear drops every entry without converting them to rows.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// ClearFor drops entries for one subject and package.
func (c *Cache) ClearFor(subjectID int32, packageName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.SubjectID == subjectID && key.PackageName == packageName {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of live buckets.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Capacity reports the configured entry limit.
func (c *Cache) Capacity() int {
	return c.capacity
}

func newAggregatedEvent(key AggregationKey, b *bucket) AggregatedEvent {
	return AggregatedEvent{
		SubjectID:        key.SubjectID,
		PackageName:      key.PackageName,
		OpCode:           key.OpCode,
		DeviceID:         key.DeviceID,
		AttributionTag:   key.AttributionTag,
		OpFlags:          key.OpFlags,
		SubjectState:     key.SubjectState,
		AttributionFlags: key.AttributionFlags,
		ChainID:          key.ChainID,
		AccessTime:       b.accessTime,
		Duration:         b.duration,
		TotalDuration:    b.totals.DurationMillis,
		AccessCount:      b.totals.AccessCount,
		RejectCount:      b.totals.RejectCount,
	}
}
