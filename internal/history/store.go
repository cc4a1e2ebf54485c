package history

import "context"

// Write reasons tag batch inserts for logging and telemetry.
const (
	WriteReasonPeriodic  = "periodic"
	WriteReasonCacheFull = "cache_full"
	WriteReasonRead      = "read"
	WriteReasonShutdown  = "shutdown"
	WriteReasonMigration = "migration"
)

// StoreFilter narrows a durable-store read. Zero values mean "no filter"
// except the time range, which callers always set.
type StoreFilter struct {
	BeginTime      int64 // inclusive
	EndTime        int64 // exclusive
	SubjectID      int32 // SubjectNone disables
	PackageName    string
	AttributionTag string
	OpCodes        []int32
	OpFlagsMask    int32 // matched with flags&mask != 0
	OrderByTime    bool
	Descending     bool
	Limit          int // <= 0 disables
}

// Store is the durable side of one archive: a single relational table of
// aggregated access events. Implementations provide their own transaction
// isolation; callers never hold the cache mutex across these calls.
type Store interface {
	InsertBatch(ctx context.Context, rows []AggregatedEvent, reason string) error
	Query(ctx context.Context, f StoreFilter) ([]AggregatedEvent, error)
	MaxChainID(ctx context.Context) (int64, error)
	CountRows(ctx context.Context) (int64, error)
	DeleteAll(ctx context.Context) error
	DeleteFor(ctx context.Context, subjectID int32, packageName string) error
	DeleteBefore(ctx context.Context, cutoffMillis int64) error
	DeleteOldest(ctx context.Context, n int) error
	FileSize() int64
	Close() error
}
