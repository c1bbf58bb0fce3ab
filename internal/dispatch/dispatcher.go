package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/observability"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/status"
)

var (
	ErrShuttingDown = errors.New("dispatcher is shutting down")
	ErrUnknownQueue = errors.New("unknown queue class")
)

// Executor runs the pipeline for one claimed build. Implemented by
// pipeline.Runner.
type Executor interface {
	Execute(ctx context.Context, rec record.BuildRecord) error
}

// Maintainer runs one named maintenance action.
type Maintainer interface {
	Run(ctx context.Context, action string) error
}

type Options struct {
	// Limits maps queue class to worker-pool size.
	Limits map[string]int
	// HeartbeatInterval is how often a worker refreshes its build's
	// heartbeat; OrphanTimeout is how stale a heartbeat must be before the
	// janitor treats the build as orphaned.
	HeartbeatInterval time.Duration
	OrphanTimeout     time.Duration
	// RequeueCap bounds how many times an orphaned build is requeued before
	// it is failed for good (poisoned-job guard).
	RequeueCap int
}

func (o Options) withDefaults() Options {
	if len(o.Limits) == 0 {
		o.Limits = map[string]int{QueueBuilds: 3, QueueMaintenance: 1}
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.OrphanTimeout <= 0 {
		o.OrphanTimeout = time.Minute
	}
	if o.RequeueCap <= 0 {
		o.RequeueCap = 1
	}
	return o
}

// Dispatcher routes build jobs to named queues and runs one bounded worker
// pool per queue. Pools are fully independent: no shared lock, no cross-
// queue priority inversion.
type Dispatcher struct {
	queues  map[string]Queue
	opts    Options
	records record.Store
	prop    *status.Propagator
	exec    Executor
	maint   Maintainer
	log     *zap.Logger

	claims    sync.Map // build id -> struct{}
	accepting atomic.Bool
	inflight  sync.WaitGroup

	// onMaintDone, when set, is called with the schedule name after a
	// scheduled maintenance job finishes. The scheduler uses it to clear its
	// skip-overlap flag.
	onMaintDone func(scheduleName string)

	popCtx    context.Context
	popCancel context.CancelFunc
	group     *errgroup.Group
}

// NewDispatcher builds the dispatcher with one queue per configured limit.
// newQueue lets callers choose the backend (memory or redis) per class.
func NewDispatcher(
	records record.Store,
	prop *status.Propagator,
	exec Executor,
	maint Maintainer,
	newQueue func(name string) Queue,
	opts Options,
	log *zap.Logger,
) *Dispatcher {
	opts = opts.withDefaults()
	queues := make(map[string]Queue, len(opts.Limits))
	for name := range opts.Limits {
		queues[name] = newQueue(name)
	}
	return &Dispatcher{
		queues:  queues,
		opts:    opts,
		records: records,
		prop:    prop,
		exec:    exec,
		maint:   maint,
		log:     log,
	}
}

// Start launches every worker pool plus the orphan janitor. Workers stop
// pulling new jobs when Shutdown is called; in-flight jobs run to their own
// terminal point.
func (d *Dispatcher) Start(ctx context.Context) {
	d.popCtx, d.popCancel = context.WithCancel(ctx)
	d.group, _ = errgroup.WithContext(ctx)
	d.accepting.Store(true)

	for name, q := range d.queues {
		limit := d.opts.Limits[name]
		for i := 0; i < limit; i++ {
			name, q, worker := name, q, i
			d.group.Go(func() error {
				d.workerLoop(name, worker, q)
				return nil
			})
		}
		d.log.Info("worker pool started", zap.String("queue", name), zap.Int("workers", limit))
	}
	d.group.Go(func() error {
		d.janitorLoop()
		return nil
	})
}

// Enqueue accepts a build job. If the idempotency key already maps to a
// record, the existing build id is returned and nothing new is scheduled.
func (d *Dispatcher) Enqueue(ctx context.Context, job BuildJob) (string, bool, error) {
	if !d.accepting.Load() {
		return "", false, ErrShuttingDown
	}
	ctx, span := observability.StartSpan(ctx, "dispatch.enqueue",
		attribute.String("spec.id", job.SpecID),
		attribute.String("queue", job.Queue),
	)
	defer span.End()

	if job.Queue == "" {
		job.Queue = QueueBuilds
	}
	q, ok := d.queues[job.Queue]
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownQueue, job.Queue)
	}

	if job.IdempotencyKey != "" {
		existing, err := d.records.FindByIdempotencyKey(ctx, job.IdempotencyKey)
		if err == nil {
			return existing.ID, false, nil
		}
		if !errors.Is(err, record.ErrNotFound) {
			return "", false, err
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Kind = KindBuild
	job.EnqueuedAt = time.Now().UTC()

	now := job.EnqueuedAt
	rec := record.BuildRecord{
		ID:             job.ID,
		SpecID:         job.SpecID,
		OwnerID:        job.OwnerID,
		Queue:          job.Queue,
		IdempotencyKey: job.IdempotencyKey,
		Stage:          record.StageQueued,
		Status:         record.StatusQueued,
		HeartbeatAt:    now,
		CreatedAt:      now,
	}
	if err := d.records.Create(ctx, rec); err != nil {
		if errors.Is(err, record.ErrDuplicate) {
			return job.ID, false, nil
		}
		return "", false, err
	}
	if err := q.Push(ctx, job); err != nil {
		return "", false, fmt.Errorf("push to %s queue: %w", job.Queue, err)
	}
	observability.Default.IncCounter("builds_enqueued_total", map[string]string{"queue": job.Queue}, 1)
	return job.ID, true, nil
}

// EnqueueMaintenance puts one maintenance action on the maintenance queue.
// Used by the scheduler; exposed for operator-triggered runs too.
func (d *Dispatcher) EnqueueMaintenance(ctx context.Context, scheduleName, action string) error {
	if !d.accepting.Load() {
		return ErrShuttingDown
	}
	q, ok := d.queues[QueueMaintenance]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, QueueMaintenance)
	}
	return q.Push(ctx, BuildJob{
		ID:           uuid.NewString(),
		Kind:         action,
		Action:       action,
		ScheduleName: scheduleName,
		Queue:        QueueMaintenance,
		EnqueuedAt:   time.Now().UTC(),
	})
}

// Cancel stops a build that is still queued. After a worker has claimed the
// job cancellation is advisory only and reports false.
func (d *Dispatcher) Cancel(ctx context.Context, buildID string) (bool, error) {
	if !d.tryClaim(buildID) {
		return false, nil
	}
	defer d.release(buildID)

	rec, err := d.records.Get(ctx, buildID)
	if err != nil {
		return false, err
	}
	if rec.Stage != record.StageQueued {
		return false, nil
	}
	if _, err := d.prop.Transition(ctx, buildID, record.StageCancelled, nil); err != nil {
		return false, err
	}
	d.log.Info("build cancelled", zap.String("build_id", buildID))
	return true, nil
}

// Shutdown stops accepting work, lets in-flight jobs finish, and waits up
// to the context deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.accepting.Store(false)
	d.popCancel()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) workerLoop(queueName string, workerNum int, q Queue) {
	wlog := d.log.With(zap.String("queue", queueName), zap.Int("worker", workerNum))
	for {
		job, ok, err := q.Pop(d.popCtx)
		if err != nil {
			if d.popCtx.Err() != nil {
				return
			}
			wlog.Error("queue pop failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		d.runJob(wlog, job)
	}
}

func (d *Dispatcher) runJob(wlog *zap.Logger, job BuildJob) {
	d.inflight.Add(1)
	defer d.inflight.Done()

	// In-flight work finishes on its own terms, not on the pop context.
	ctx := context.Background()

	if job.Kind != KindBuild {
		d.runMaintenance(ctx, wlog, job)
		return
	}
	if !d.tryClaim(job.ID) {
		// Another worker already owns this build id.
		wlog.Warn("duplicate delivery ignored", zap.String("build_id", job.ID))
		return
	}
	defer d.release(job.ID)

	rec, err := d.records.Get(ctx, job.ID)
	if err != nil {
		wlog.Error("claimed job has no record", zap.String("build_id", job.ID), zap.Error(err))
		return
	}
	if rec.Stage != record.StageQueued {
		// Cancelled, or a stale requeue of an already-finished build.
		return
	}

	observability.Default.IncCounter("builds_claimed_total", map[string]string{"queue": job.Queue}, 1)
	hbStop := d.startHeartbeat(job.ID)
	defer hbStop()

	if err := d.exec.Execute(ctx, rec); err != nil {
		wlog.Error("pipeline execution error", zap.String("build_id", job.ID), zap.Error(err))
	}
}

// SetMaintenanceDone installs the completion callback for scheduled
// maintenance jobs. Must be called before Start.
func (d *Dispatcher) SetMaintenanceDone(fn func(scheduleName string)) {
	d.onMaintDone = fn
}

func (d *Dispatcher) runMaintenance(ctx context.Context, wlog *zap.Logger, job BuildJob) {
	if d.onMaintDone != nil && job.ScheduleName != "" {
		defer d.onMaintDone(job.ScheduleName)
	}
	start := time.Now()
	err := d.maint.Run(ctx, job.Action)
	labels := map[string]string{"action": job.Action}
	if err != nil {
		observability.Default.IncCounter("maintenance_failed_total", labels, 1)
		wlog.Error("maintenance action failed",
			zap.String("action", job.Action),
			zap.String("schedule", job.ScheduleName),
			zap.Error(err))
		return
	}
	observability.Default.IncCounter("maintenance_runs_total", labels, 1)
	wlog.Info("maintenance action finished",
		zap.String("action", job.Action),
		zap.Duration("took", time.Since(start)))
}

// startHeartbeat refreshes the record's heartbeat until the returned stop
// function runs. The janitor treats a stale heartbeat as a crashed worker.
func (d *Dispatcher) startHeartbeat(buildID string) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(d.opts.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := d.records.Touch(context.Background(), buildID, time.Now().UTC()); err != nil {
					d.log.Warn("heartbeat touch failed", zap.String("build_id", buildID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

// janitorLoop requeues builds whose worker died mid-job, once per build by
// default; past the cap the build is failed as crashed.
func (d *Dispatcher) janitorLoop() {
	interval := d.opts.OrphanTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-d.popCtx.Done():
			return
		case <-t.C:
			d.sweepOrphans()
		}
	}
}

func (d *Dispatcher) sweepOrphans() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-d.opts.OrphanTimeout)
	stale, err := d.records.ListRunningStale(ctx, cutoff)
	if err != nil {
		d.log.Error("orphan sweep failed", zap.Error(err))
		return
	}
	for _, rec := range stale {
		if !d.tryClaim(rec.ID) {
			// A live worker in this process still owns it; its heartbeat is
			// just lagging.
			continue
		}
		d.recoverOrphan(ctx, rec)
		d.release(rec.ID)
	}
}

func (d *Dispatcher) recoverOrphan(ctx context.Context, rec record.BuildRecord) {
	if rec.Attempt >= d.opts.RequeueCap {
		_, err := d.prop.Transition(ctx, rec.ID, record.StageFailed, func(b *record.BuildRecord) {
			b.FailureStage = rec.Stage
			b.FailureMessage = fmt.Sprintf("worker_crashed: worker lost at %s, requeue cap (%d) reached", rec.Stage, d.opts.RequeueCap)
		})
		if err != nil {
			d.log.Error("failing orphaned build", zap.String("build_id", rec.ID), zap.Error(err))
		}
		return
	}

	// Internal reset back to queued; externally the record just shows an
	// extra attempt.
	rec.Stage = record.StageQueued
	rec.Status = record.StatusQueued
	rec.Attempt++
	rec.HeartbeatAt = time.Now().UTC()
	if err := d.records.Update(ctx, rec); err != nil {
		d.log.Error("orphan requeue update failed", zap.String("build_id", rec.ID), zap.Error(err))
		return
	}
	_ = d.records.AppendLog(ctx, rec.ID, record.LogEntry{
		Stage:   rec.Stage,
		Message: fmt.Sprintf("worker lost; requeued (attempt %d)", rec.Attempt),
		At:      time.Now().UTC(),
	})
	q := d.queues[rec.Queue]
	if q == nil {
		q = d.queues[QueueBuilds]
	}
	if err := q.Push(ctx, BuildJob{
		ID:         rec.ID,
		Kind:       KindBuild,
		SpecID:     rec.SpecID,
		OwnerID:    rec.OwnerID,
		Queue:      rec.Queue,
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		d.log.Error("orphan requeue push failed", zap.String("build_id", rec.ID), zap.Error(err))
		return
	}
	observability.Default.IncCounter("builds_requeued_total", nil, 1)
	d.log.Warn("orphaned build requeued",
		zap.String("build_id", rec.ID),
		zap.Int("attempt", rec.Attempt))
}

func (d *Dispatcher) tryClaim(buildID string) bool {
	_, loaded := d.claims.LoadOrStore(buildID, struct{}{})
	return !loaded
}

func (d *Dispatcher) release(buildID string) {
	d.claims.Delete(buildID)
}
