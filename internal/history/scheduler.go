package history

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

const (
	// baseFlushInterval paces the periodic cache flush; the jitter keeps the
	// two archive schedulers from waking on the same tick forever.
	baseFlushInterval  = 10 * time.Minute
	baseDeleteInterval = 6 * time.Hour
	maxScheduleJitter  = time.Minute
)

// writerJobs are the write-side duties an archive delegates to its
// scheduler. All three run on the scheduler goroutine, never concurrently
// with each other.
type writerJobs interface {
	// FlushStale persists cache entries whose quantization window has
	// closed, then bounds the database file size.
	FlushStale(ctx context.Context)
	// FlushFull reacts to the cache reaching capacity.
	FlushFull(ctx context.Context)
	// DeleteExpired removes rows older than the retention window.
	DeleteExpired(ctx context.Context)
}

// Scheduler serializes all durable writes for one archive on a single
// goroutine. Periodic timers re-arm after each run rather than ticking at a
// fixed rate, so a slow database never stacks jobs.
type Scheduler struct {
	label      string
	jobs       writerJobs
	fullSignal <-chan struct{}

	flushInterval  time.Duration
	deleteInterval time.Duration
	jitter         time.Duration
}

func NewScheduler(label string, jobs writerJobs, fullSignal <-chan struct{}) *Scheduler {
	return &Scheduler{
		label:          label,
		jobs:           jobs,
		fullSignal:     fullSignal,
		flushInterval:  baseFlushInterval,
		deleteInterval: baseDeleteInterval,
		jitter:         maxScheduleJitter,
	}
}

// Start runs the write loop until the context is cancelled. The caller owns
// the final flush on shutdown; Start only drains the duties that were
// already signalled.
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("[Scheduler] Starting archive write scheduler",
		"archive", s.label,
		"flush_interval", s.flushInterval,
		"delete_interval", s.deleteInterval,
	)

	flushTimer := time.NewTimer(s.nextDelay(s.flushInterval))
	defer flushTimer.Stop()
	deleteTimer := time.NewTimer(s.nextDelay(s.deleteInterval))
	defer deleteTimer.Stop()

	for {
		select {
		case <-flushTimer.C:
			s.jobs.FlushStale(ctx)
			flushTimer.Reset(s.nextDelay(s.flushInterval))

		case <-deleteTimer.C:
			s.jobs.DeleteExpired(ctx)
			deleteTimer.Reset(s.nextDelay(s.deleteInterval))

		case <-s.fullSignal:
			s.jobs.FlushFull(ctx)

		case <-ctx.Done():
			slog.Info("[Scheduler] Stopping (context cancelled)", "archive", s.label)
			return nil
		}
	}
}

func (s *Scheduler) nextDelay(base time.Duration) time.Duration {
	if s.jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(s.jitter)))
}
