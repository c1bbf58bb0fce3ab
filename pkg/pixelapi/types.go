// Package pixelapi holds the wire types shared between the build control
// plane and its clients (the dashboard and the CLI).
package pixelapi

import "time"

// SubmitBuildRequest asks the pipeline to build and deploy one assistant
// specification. IdempotencyKey is caller supplied; resubmitting the same key
// returns the existing build instead of starting a second one.
type SubmitBuildRequest struct {
	SpecificationID string `json:"specification_id"`
	OwnerID         string `json:"owner_id,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	QueueClass      string `json:"queue_class,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

type SubmitBuildResponse struct {
	BuildID string `json:"build_id"`
	Status  string `json:"status"`
	// Existing is true when the idempotency key matched a live build and no
	// new work was scheduled.
	Existing bool `json:"existing,omitempty"`
}

type LogEntry struct {
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// BuildStatusResponse mirrors the durable BuildRecord.
type BuildStatusResponse struct {
	BuildID         string     `json:"build_id"`
	SpecificationID string     `json:"specification_id"`
	Queue           string     `json:"queue"`
	Stage           string     `json:"stage"`
	Status          string     `json:"status"`
	Logs            []LogEntry `json:"logs,omitempty"`
	ArtifactDigest  string     `json:"artifact_digest,omitempty"`
	Endpoint        string     `json:"endpoint,omitempty"`
	FailureStage    string     `json:"failure_stage,omitempty"`
	FailureMessage  string     `json:"failure_message,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// StageEvent is one message on the per-build subscription stream, emitted
// once per stage transition and shaped like the record's stage/status fields.
type StageEvent struct {
	BuildID        string    `json:"build_id"`
	Stage          string    `json:"stage"`
	Status         string    `json:"status"`
	FailureStage   string    `json:"failure_stage,omitempty"`
	FailureMessage string    `json:"failure_message,omitempty"`
	At             time.Time `json:"at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
