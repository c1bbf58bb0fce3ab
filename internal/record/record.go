// Package record holds the durable BuildRecord: the only state of a build
// that the outside world observes.
package record

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("build record not found")
	ErrDuplicate = errors.New("build record already exists")
)

// Stage is one step of the pipeline state machine.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageGenerating Stage = "generating"
	StageBuilding   Stage = "building"
	StageTesting    Stage = "testing"
	StagePublishing Stage = "publishing"
	StageDeploying  Stage = "deploying"
	StageSucceeded  Stage = "succeeded"
	StageFailed     Stage = "failed"
	StageCancelled  Stage = "cancelled"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StatusFor derives the coarse status from a stage.
func StatusFor(stage Stage) Status {
	switch stage {
	case StageQueued:
		return StatusQueued
	case StageSucceeded:
		return StatusSucceeded
	case StageFailed:
		return StatusFailed
	case StageCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

type LogEntry struct {
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// BuildRecord is append-only from the observer's point of view: stage
// transitions are monotonic and log entries are ordered. Only the worker
// executing the build mutates it (single-writer invariant per build id).
type BuildRecord struct {
	ID             string
	SpecID         string
	OwnerID        string
	Queue          string
	IdempotencyKey string
	Stage          Stage
	Status         Status
	Logs           []LogEntry
	Attempt        int
	ArtifactDigest string
	Endpoint       string
	FailureStage   Stage
	FailureMessage string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	HeartbeatAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r BuildRecord) Terminal() bool {
	switch r.Stage {
	case StageSucceeded, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// Store persists BuildRecords. Records are retained indefinitely for audit:
// maintenance jobs garbage-collect images and sandboxes, never records.
type Store interface {
	Create(ctx context.Context, rec BuildRecord) error
	Get(ctx context.Context, id string) (BuildRecord, error)
	// Update replaces the full row. Callers hold the per-build claim, so no
	// two writers ever race on one id.
	Update(ctx context.Context, rec BuildRecord) error
	AppendLog(ctx context.Context, id string, entry LogEntry) error
	// FindByIdempotencyKey returns the most recent record carrying the key,
	// or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (BuildRecord, error)
	// Touch refreshes the heartbeat timestamp of a running build.
	Touch(ctx context.Context, id string, at time.Time) error
	// ListRunningStale returns non-terminal claimed builds whose heartbeat is
	// older than the cutoff (orphan candidates).
	ListRunningStale(ctx context.Context, cutoff time.Time) ([]BuildRecord, error)
	// ListCompletedBefore returns terminal builds completed before the cutoff
	// (input for sandbox/image maintenance).
	ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]BuildRecord, error)
}
