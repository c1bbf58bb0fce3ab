package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/pkg/pixelapi"
)

func TestCanTransitionHappyPath(t *testing.T) {
	seq := Sequence()
	for i := 0; i < len(seq)-1; i++ {
		if !CanTransition(seq[i], seq[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", seq[i], seq[i+1])
		}
	}
}

func TestCanTransitionRejectsSkipsAndBackwardEdges(t *testing.T) {
	bad := [][2]record.Stage{
		{record.StageQueued, record.StageBuilding},
		{record.StageGenerating, record.StageTesting},
		{record.StageBuilding, record.StageGenerating},
		{record.StageDeploying, record.StagePublishing},
		{record.StageSucceeded, record.StageFailed},
		{record.StageFailed, record.StageGenerating},
		{record.StageCancelled, record.StageGenerating},
	}
	for _, edge := range bad {
		if CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be illegal", edge[0], edge[1])
		}
	}
}

func TestCanTransitionFailureAndCancellation(t *testing.T) {
	for _, from := range []record.Stage{
		record.StageQueued, record.StageGenerating, record.StageBuilding,
		record.StageTesting, record.StagePublishing, record.StageDeploying,
	} {
		if !CanTransition(from, record.StageFailed) {
			t.Fatalf("expected %s -> failed to be legal", from)
		}
	}
	if !CanTransition(record.StageQueued, record.StageCancelled) {
		t.Fatalf("expected queued -> cancelled to be legal")
	}
	for _, from := range []record.Stage{record.StageGenerating, record.StageBuilding, record.StageDeploying} {
		if CanTransition(from, record.StageCancelled) {
			t.Fatalf("cancellation must only be possible before a worker claims the build, got %s", from)
		}
	}
}

func newTestPropagator(t *testing.T) (*Propagator, record.Store) {
	t.Helper()
	store := record.NewMemoryStore()
	rec := record.BuildRecord{
		ID:     "b-1",
		SpecID: "spec-1",
		Stage:  record.StageQueued,
		Status: record.StatusQueued,
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create record: %v", err)
	}
	return NewPropagator(store, zap.NewNop()), store
}

func TestTransitionWritesRecordBeforeBroadcast(t *testing.T) {
	p, store := newTestPropagator(t)
	events, cancel := p.Subscribe("b-1")
	defer cancel()

	if _, err := p.Transition(context.Background(), "b-1", record.StageGenerating, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Stage != string(record.StageGenerating) {
			t.Fatalf("unexpected event stage %s", ev.Stage)
		}
		// The durable record must already reflect what the event announced.
		rec, err := store.Get(context.Background(), "b-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if rec.Stage != record.StageGenerating {
			t.Fatalf("record lags event: %s", rec.Stage)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	p, _ := newTestPropagator(t)
	if _, err := p.Transition(context.Background(), "b-1", record.StageDeploying, nil); err == nil {
		t.Fatalf("expected illegal transition to be rejected")
	}
}

func TestTransitionSetsTimestamps(t *testing.T) {
	p, store := newTestPropagator(t)
	ctx := context.Background()
	for _, st := range []record.Stage{
		record.StageGenerating, record.StageBuilding, record.StageTesting,
		record.StagePublishing, record.StageDeploying, record.StageSucceeded,
	} {
		if _, err := p.Transition(ctx, "b-1", st, nil); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
	rec, err := store.Get(ctx, "b-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.StartedAt == nil || rec.CompletedAt == nil {
		t.Fatalf("expected both timestamps set: %+v", rec)
	}
	if rec.CompletedAt.Before(*rec.StartedAt) {
		t.Fatalf("completed before started")
	}
}

func TestSlowSubscriberNeverBlocksTransition(t *testing.T) {
	p, _ := newTestPropagator(t)
	// Subscribe and never read. The buffer absorbs subscriberBuffer events;
	// everything past that must be dropped, not block.
	_, cancel := p.Subscribe("b-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		if _, err := p.Transition(ctx, "b-1", record.StageGenerating, nil); err != nil {
			t.Errorf("transition: %v", err)
		}
		// Overrun the subscriber buffer to exercise the drop path.
		for i := 0; i < subscriberBuffer+4; i++ {
			p.broadcast(pixelapi.StageEvent{BuildID: "b-1", Stage: string(record.StageGenerating)})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on slow subscriber")
	}
}

func TestLateSubscriberReconstructsFromRecord(t *testing.T) {
	p, store := newTestPropagator(t)
	ctx := context.Background()
	if _, err := p.Transition(ctx, "b-1", record.StageGenerating, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if _, err := p.Transition(ctx, "b-1", record.StageBuilding, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// A subscriber arriving now missed both events but the record holds the
	// current truth.
	rec, err := store.Get(ctx, "b-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Stage != record.StageBuilding {
		t.Fatalf("expected record at building, got %s", rec.Stage)
	}

	events, cancel := p.Subscribe("b-1")
	defer cancel()
	if _, err := p.Transition(ctx, "b-1", record.StageTesting, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Stage != string(record.StageTesting) {
			t.Fatalf("late subscriber got %s, want testing", ev.Stage)
		}
	case <-time.After(time.Second):
		t.Fatalf("late subscriber received nothing")
	}
}

func TestBroadcastDuringUnsubscribeNeverPanics(t *testing.T) {
	p, _ := newTestPropagator(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				p.broadcast(pixelapi.StageEvent{BuildID: "b-1", Stage: string(record.StageGenerating)})
			}
		}
	}()

	// Churn subscriptions against the broadcaster. A close racing a send
	// would panic the broadcast goroutine and fail the test.
	for i := 0; i < 5000; i++ {
		_, cancel := p.Subscribe("b-1")
		cancel()
	}
	close(stop)
	wg.Wait()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p, _ := newTestPropagator(t)
	events, cancel := p.Subscribe("b-1")
	cancel()
	if _, open := <-events; open {
		t.Fatalf("expected channel closed after cancel")
	}
}
