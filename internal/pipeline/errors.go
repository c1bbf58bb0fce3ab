package pipeline

import (
	"errors"
	"fmt"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
)

// Kind classifies stage failures. Only PublishTransient and WorkerCrashed
// are ever retried automatically; everything else needs a fresh submission.
type Kind string

const (
	SpecificationInvalid Kind = "specification_invalid"
	GenerationFailed     Kind = "generation_failed"
	BuildFailed          Kind = "build_failed"
	ArtifactUnhealthy    Kind = "artifact_unhealthy"
	PublishTransient     Kind = "publish_transient"
	DeploymentFailed     Kind = "deployment_failed"
	WorkerCrashed        Kind = "worker_crashed"
)

// StageError is a failure caught at a stage boundary, carrying enough
// context to reproduce: the stage, the classification, and the underlying
// message.
type StageError struct {
	Stage record.Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage record.Stage, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// AsStageError extracts a StageError if err carries one.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
