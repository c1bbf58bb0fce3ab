package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/observability"
)

// Scheduler fires recurring maintenance entries on a single ticker. If the
// previous run of an entry is still executing when its interval elapses, the
// new run is skipped, never stacked.
type Scheduler struct {
	entries []*scheduledEntry
	enqueue func(ctx context.Context, scheduleName, action string) error
	tick    time.Duration
	log     *zap.Logger
}

type scheduledEntry struct {
	ScheduleEntry
	nextRun time.Time
	// running flips to 1 when a run is enqueued and back to 0 when the
	// maintenance worker reports completion via Done.
	running atomic.Int32
}

func NewScheduler(entries []ScheduleEntry, enqueue func(ctx context.Context, scheduleName, action string) error, tick time.Duration, log *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	now := time.Now()
	se := make([]*scheduledEntry, 0, len(entries))
	for _, e := range entries {
		se = append(se, &scheduledEntry{
			ScheduleEntry: e,
			nextRun:       now.Add(e.Every),
		})
	}
	return &Scheduler{entries: se, enqueue: enqueue, tick: tick, log: log}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if now.Before(e.nextRun) {
			continue
		}
		e.nextRun = now.Add(e.Every)
		if !e.running.CompareAndSwap(0, 1) {
			observability.Default.IncCounter("schedule_skipped_total", map[string]string{"schedule": e.Name}, 1)
			s.log.Warn("schedule run skipped, previous run still in progress",
				zap.String("schedule", e.Name),
				zap.String("action", e.Action))
			continue
		}
		if err := s.enqueue(ctx, e.Name, e.Action); err != nil {
			e.running.Store(0)
			s.log.Error("schedule enqueue failed",
				zap.String("schedule", e.Name),
				zap.Error(err))
			continue
		}
		s.log.Debug("schedule fired", zap.String("schedule", e.Name), zap.String("action", e.Action))
	}
}

// Done marks the named schedule's current run as finished. Called by the
// maintenance worker after the action returns, success or not.
func (s *Scheduler) Done(scheduleName string) {
	for _, e := range s.entries {
		if e.Name == scheduleName {
			e.running.Store(0)
			return
		}
	}
}
