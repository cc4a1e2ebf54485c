package history

import (
	"context"
	"slices"
	"sync"
)

// fakeStore is an in-memory Store for engine tests; the real SQLite store
// has its own package-level tests.
type fakeStore struct {
	mu      sync.Mutex
	rows    []AggregatedEvent
	reasons []string
	filters []StoreFilter

	insertErr  error
	queryErr   error
	maxChainID int64
	fileSize   int64

	deleteBeforeCalls []int64
	deleteOldestCalls []int
}

func (s *fakeStore) InsertBatch(_ context.Context, rows []AggregatedEvent, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.rows = append(s.rows, rows...)
	s.reasons = append(s.reasons, reason)
	return nil
}

func (s *fakeStore) Query(_ context.Context, f StoreFilter) ([]AggregatedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []AggregatedEvent
	for _, row := range s.rows {
		if row.AccessTime < f.BeginTime || row.AccessTime >= f.EndTime {
			continue
		}
		if f.SubjectID != SubjectNone && row.SubjectID != f.SubjectID {
			continue
		}
		if f.PackageName != "" && row.PackageName != f.PackageName {
			continue
		}
		if len(f.OpCodes) > 0 && !slices.Contains(f.OpCodes, row.OpCode) {
			continue
		}
		if f.OpFlagsMask != 0 && row.OpFlags&f.OpFlagsMask == 0 {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *fakeStore) MaxChainID(context.Context) (int64, error) {
	return s.maxChainID, nil
}

func (s *fakeStore) CountRows(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *fakeStore) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	return nil
}

func (s *fakeStore) DeleteFor(_ context.Context, subjectID int32, packageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = slices.DeleteFunc(s.rows, func(row AggregatedEvent) bool {
		return row.SubjectID == subjectID && row.PackageName == packageName
	})
	return nil
}

func (s *fakeStore) DeleteBefore(_ context.Context, cutoffMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteBeforeCalls = append(s.deleteBeforeCalls, cutoffMillis)
	s.rows = slices.DeleteFunc(s.rows, func(row AggregatedEvent) bool {
		return row.AccessTime < cutoffMillis
	})
	return nil
}

func (s *fakeStore) DeleteOldest(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteOldestCalls = append(s.deleteOldestCalls, n)
	return nil
}

func (s *fakeStore) FileSize() int64 {
	return s.fileSize
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) storedRows() []AggregatedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rows)
}

func (s *fakeStore) writeReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reasons)
}

func (s *fakeStore) lastFilter() StoreFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters[len(s.filters)-1]
}
