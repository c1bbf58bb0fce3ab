package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/observability"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/pkg/pixelapi"
)

// subscriberBuffer bounds each subscriber channel. A build has at most eight
// transitions, so a full buffer means the reader is gone, not behind.
const subscriberBuffer = 16

type subscriber struct {
	id int64
	ch chan pixelapi.StageEvent
}

// Propagator applies stage transitions: the record write is durable and
// happens first; the broadcast to subscribers is best-effort and
// non-blocking. Late subscribers reconstruct state from the record itself.
type Propagator struct {
	store record.Store
	log   *zap.Logger

	mu     sync.Mutex
	nextID int64
	subs   map[string][]subscriber
}

func NewPropagator(store record.Store, log *zap.Logger) *Propagator {
	return &Propagator{
		store: store,
		log:   log,
		subs:  make(map[string][]subscriber),
	}
}

// Transition moves the build to the target stage. mutate, if non-nil, edits
// the record in the same write (artifact digest, endpoint, failure reason).
// Illegal edges are rejected before anything is written.
func (p *Propagator) Transition(ctx context.Context, buildID string, to record.Stage, mutate func(*record.BuildRecord)) (record.BuildRecord, error) {
	rec, err := p.store.Get(ctx, buildID)
	if err != nil {
		return record.BuildRecord{}, err
	}
	if !CanTransition(rec.Stage, to) {
		return record.BuildRecord{}, fmt.Errorf("illegal stage transition %s -> %s for build %s", rec.Stage, to, buildID)
	}
	now := time.Now().UTC()
	rec.Stage = to
	rec.Status = record.StatusFor(to)
	if rec.StartedAt == nil && rec.Status == record.StatusRunning {
		rec.StartedAt = &now
	}
	if rec.Terminal() {
		rec.CompletedAt = &now
	}
	if mutate != nil {
		mutate(&rec)
	}
	if err := p.store.Update(ctx, rec); err != nil {
		return record.BuildRecord{}, err
	}
	observability.Default.IncCounter("stage_transitions_total", map[string]string{"stage": string(to)}, 1)

	p.broadcast(pixelapi.StageEvent{
		BuildID:        rec.ID,
		Stage:          string(rec.Stage),
		Status:         string(rec.Status),
		FailureStage:   string(rec.FailureStage),
		FailureMessage: rec.FailureMessage,
		At:             now,
	})
	return rec, nil
}

// Subscribe returns a channel of stage events for one build id and a cancel
// function. The channel is closed on cancel.
func (p *Propagator) Subscribe(buildID string) (<-chan pixelapi.StageEvent, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	sub := subscriber{id: p.nextID, ch: make(chan pixelapi.StageEvent, subscriberBuffer)}
	p.subs[buildID] = append(p.subs[buildID], sub)
	id := sub.id
	return sub.ch, func() { p.unsubscribe(buildID, id) }
}

func (p *Propagator) unsubscribe(buildID string, id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.subs[buildID]
	for i, s := range subs {
		if s.id == id {
			close(s.ch)
			p.subs[buildID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(p.subs[buildID]) == 0 {
		delete(p.subs, buildID)
	}
}

// broadcast sends under the mutex so an unsubscribe cannot close a channel
// between the send and the lookup. Sends never block, so holding the lock
// through the loop is cheap.
func (p *Propagator) broadcast(ev pixelapi.StageEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs[ev.BuildID] {
		select {
		case s.ch <- ev:
		default:
			// Subscriber is not draining; drop rather than stall the worker.
			observability.Default.IncCounter("status_events_dropped_total", nil, 1)
			p.log.Warn("dropping stage event for slow subscriber",
				zap.String("build_id", ev.BuildID),
				zap.String("stage", ev.Stage))
		}
	}
}
