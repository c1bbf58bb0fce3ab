// Package pipeline executes the ordered build stages for one claimed job:
// generating, building, testing, publishing, deploying. Stage errors halt
// the build; they never advance or get swallowed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/build"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/deploy"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/generate"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/observability"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/publish"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/spec"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/status"
)

// Timeouts bounds each stage independently. A stage timeout is a stage
// failure, nothing special.
type Timeouts struct {
	Generate time.Duration
	Build    time.Duration
	Test     time.Duration
	Publish  time.Duration
	Deploy   time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	def := func(d *time.Duration, fallback time.Duration) {
		if *d <= 0 {
			*d = fallback
		}
	}
	def(&t.Generate, 10*time.Second)
	def(&t.Build, 10*time.Minute)
	def(&t.Test, 2*time.Minute)
	def(&t.Publish, 5*time.Minute)
	def(&t.Deploy, 5*time.Minute)
	return t
}

type Runner struct {
	specs     spec.Store
	records   record.Store
	prop      *status.Propagator
	engine    *generate.Engine
	builder   *build.Builder
	publisher *publish.Publisher
	deployer  *deploy.Deployer
	timeouts  Timeouts
	log       *zap.Logger
}

func NewRunner(
	specs spec.Store,
	records record.Store,
	prop *status.Propagator,
	engine *generate.Engine,
	builder *build.Builder,
	publisher *publish.Publisher,
	deployer *deploy.Deployer,
	timeouts Timeouts,
	log *zap.Logger,
) *Runner {
	return &Runner{
		specs:     specs,
		records:   records,
		prop:      prop,
		engine:    engine,
		builder:   builder,
		publisher: publisher,
		deployer:  deployer,
		timeouts:  timeouts.withDefaults(),
		log:       log,
	}
}

// Execute runs every stage for one build. The caller holds the per-build
// claim for the whole call, so this is the only writer of the record.
// The returned error is non-nil only for store-level problems; stage
// failures terminate the build via its record and return nil.
func (r *Runner) Execute(ctx context.Context, rec record.BuildRecord) error {
	ctx, span := observability.StartSpan(ctx, "pipeline.execute",
		attribute.String("build.id", rec.ID),
		attribute.String("spec.id", rec.SpecID),
	)
	defer span.End()

	err := r.run(ctx, rec)
	if err == nil {
		return nil
	}
	se, ok := AsStageError(err)
	if !ok {
		return err
	}
	return r.fail(ctx, rec.ID, se)
}

func (r *Runner) run(ctx context.Context, rec record.BuildRecord) error {
	// generating
	if _, err := r.transition(ctx, rec.ID, record.StageGenerating, nil); err != nil {
		return err
	}
	var files []generate.File
	var sp spec.Specification
	err := r.stage(ctx, rec.ID, record.StageGenerating, r.timeouts.Generate, func(ctx context.Context) error {
		var err error
		sp, err = r.specs.GetSpecification(ctx, rec.SpecID, rec.OwnerID)
		if err != nil {
			if errors.Is(err, spec.ErrNotFound) {
				return stageErr(record.StageGenerating, SpecificationInvalid, err)
			}
			return stageErr(record.StageGenerating, GenerationFailed, err)
		}
		files, err = r.engine.Render(sp)
		if err != nil {
			return stageErr(record.StageGenerating, classifyGenerate(err), err)
		}
		return r.appendLog(ctx, rec.ID, record.StageGenerating, fmt.Sprintf("rendered %d files", len(files)))
	})
	if err != nil {
		return err
	}
	slug := generate.Slugify(sp.Name)

	// building
	if _, err := r.transition(ctx, rec.ID, record.StageBuilding, nil); err != nil {
		return err
	}
	var res build.Result
	err = r.stage(ctx, rec.ID, record.StageBuilding, r.timeouts.Build, func(ctx context.Context) error {
		var err error
		res, err = r.builder.Build(ctx, rec.ID, slug, files)
		if err != nil {
			// Attach the raw build log before failing; it is the diagnostic.
			if res.BuildLog != "" {
				_ = r.appendLog(ctx, rec.ID, record.StageBuilding, truncate(res.BuildLog, 8192))
			}
			return stageErr(record.StageBuilding, BuildFailed, err)
		}
		return r.appendLog(ctx, rec.ID, record.StageBuilding, "image built: "+res.ImageTag)
	})
	if err != nil {
		return err
	}

	// testing
	if _, err := r.transition(ctx, rec.ID, record.StageTesting, nil); err != nil {
		return err
	}
	err = r.stage(ctx, rec.ID, record.StageTesting, r.timeouts.Test, func(ctx context.Context) error {
		if err := r.builder.SmokeTest(ctx, rec.ID, res); err != nil {
			return stageErr(record.StageTesting, ArtifactUnhealthy, err)
		}
		return r.appendLog(ctx, rec.ID, record.StageTesting, "smoke test passed")
	})
	if err != nil {
		return err
	}

	// publishing
	if _, err := r.transition(ctx, rec.ID, record.StagePublishing, nil); err != nil {
		return err
	}
	var digest string
	err = r.stage(ctx, rec.ID, record.StagePublishing, r.timeouts.Publish, func(ctx context.Context) error {
		var err error
		digest, err = r.publisher.Push(ctx, rec.ID, res.ImageTag)
		if err != nil {
			return stageErr(record.StagePublishing, PublishTransient, err)
		}
		r.publisher.ArchiveBuildLog(ctx, rec.ID, res.BuildLog)
		return r.appendLog(ctx, rec.ID, record.StagePublishing, "published "+digest)
	})
	if err != nil {
		return err
	}

	// deploying; the artifact reference is recorded in the same durable
	// write as the transition out of publishing.
	if _, err := r.transition(ctx, rec.ID, record.StageDeploying, func(b *record.BuildRecord) {
		b.ArtifactDigest = digest
	}); err != nil {
		return err
	}
	var endpoint string
	err = r.stage(ctx, rec.ID, record.StageDeploying, r.timeouts.Deploy, func(ctx context.Context) error {
		var err error
		endpoint, err = r.deployer.Deploy(ctx, rec.ID, slug, res.ImageTag)
		if err != nil {
			return stageErr(record.StageDeploying, DeploymentFailed, err)
		}
		return r.appendLog(ctx, rec.ID, record.StageDeploying, "live at "+endpoint)
	})
	if err != nil {
		return err
	}

	if _, err := r.transition(ctx, rec.ID, record.StageSucceeded, func(b *record.BuildRecord) {
		b.Endpoint = endpoint
	}); err != nil {
		return err
	}
	if err := r.builder.Cleanup(rec.ID); err != nil {
		r.log.Warn("sandbox cleanup failed", zap.String("build_id", rec.ID), zap.Error(err))
	}
	observability.Default.IncCounter("builds_succeeded_total", nil, 1)
	return nil
}

// stage runs fn under the stage's own timeout and tracing span.
func (r *Runner) stage(ctx context.Context, buildID string, st record.Stage, timeout time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "pipeline."+string(st),
		attribute.String("build.id", buildID),
	)
	defer span.End()
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		if _, ok := AsStageError(err); !ok {
			err = stageErr(st, kindForStageTimeout(st), fmt.Errorf("stage timed out after %s: %w", timeout, ctx.Err()))
		}
	}
	return err
}

func (r *Runner) transition(ctx context.Context, buildID string, to record.Stage, mutate func(*record.BuildRecord)) (record.BuildRecord, error) {
	return r.prop.Transition(ctx, buildID, to, mutate)
}

func (r *Runner) fail(ctx context.Context, buildID string, se *StageError) error {
	observability.Default.IncCounter("builds_failed_total", map[string]string{
		"stage": string(se.Stage),
		"kind":  string(se.Kind),
	}, 1)
	r.log.Warn("build failed",
		zap.String("build_id", buildID),
		zap.String("stage", string(se.Stage)),
		zap.String("kind", string(se.Kind)),
		zap.Error(se.Err))
	_, err := r.prop.Transition(ctx, buildID, record.StageFailed, func(b *record.BuildRecord) {
		b.FailureStage = se.Stage
		b.FailureMessage = fmt.Sprintf("%s: %s", se.Kind, truncate(se.Err.Error(), 2048))
	})
	return err
}

func (r *Runner) appendLog(ctx context.Context, buildID string, st record.Stage, msg string) error {
	return r.records.AppendLog(ctx, buildID, record.LogEntry{Stage: st, Message: msg, At: time.Now().UTC()})
}

func classifyGenerate(err error) Kind {
	var fe *generate.FieldError
	if errors.As(err, &fe) {
		return SpecificationInvalid
	}
	return GenerationFailed
}

func kindForStageTimeout(st record.Stage) Kind {
	switch st {
	case record.StageGenerating:
		return GenerationFailed
	case record.StageBuilding:
		return BuildFailed
	case record.StageTesting:
		return ArtifactUnhealthy
	case record.StagePublishing:
		return PublishTransient
	case record.StageDeploying:
		return DeploymentFailed
	default:
		return WorkerCrashed
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + " [truncated]"
}
