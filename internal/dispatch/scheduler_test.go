package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type enqueueRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *enqueueRecorder) record(_ context.Context, scheduleName, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, scheduleName)
	return nil
}

func (r *enqueueRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestSchedulerFiresOnInterval(t *testing.T) {
	rec := &enqueueRecorder{}
	s := NewScheduler([]ScheduleEntry{
		{Name: "gc", Every: 30 * time.Millisecond, Action: ActionGCImages},
	}, rec.record, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool { return rec.count() >= 1 })
	// Mark the run complete so the next interval fires again.
	s.Done("gc")
	waitFor(t, func() bool { return rec.count() >= 2 })
}

func TestSchedulerSkipsWhileRunning(t *testing.T) {
	rec := &enqueueRecorder{}
	s := NewScheduler([]ScheduleEntry{
		{Name: "gc", Every: 20 * time.Millisecond, Action: ActionGCImages},
	}, rec.record, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Never call Done: the first run is considered still in progress, so
	// every later interval must be skipped, not stacked.
	waitFor(t, func() bool { return rec.count() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Fatalf("overlapping schedule runs were stacked: %d enqueues", got)
	}
}

func TestLoadScheduleDefaults(t *testing.T) {
	entries, err := LoadSchedule("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected built-in schedule entries")
	}
	for _, e := range entries {
		if e.Name == "" || e.Action == "" || e.Every <= 0 {
			t.Fatalf("invalid default entry: %+v", e)
		}
	}
}

func TestLoadScheduleRejectsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	if err := os.WriteFile(path, []byte("schedules:\n  - name: broken\n    every: 0s\n    action: gc-images\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadSchedule(path); err == nil {
		t.Fatalf("expected validation error for zero interval")
	}
}

func TestLoadScheduleParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	if err := os.WriteFile(path, []byte("schedules:\n  - name: nightly-purge\n    every: 24h\n    action: purge-stale-builds\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != ActionPurgeStaleBuilds || entries[0].Every != 24*time.Hour {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
