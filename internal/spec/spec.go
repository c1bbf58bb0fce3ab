// Package spec models the immutable assistant specification the pipeline
// consumes. Specifications are authored elsewhere (the dashboard); this
// package only reads them.
package spec

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("specification not found")

// ToolConfig is one integration toggled on an assistant, with its per-tool
// parameters (API hosts, channel ids, and so on).
type ToolConfig struct {
	Enabled bool              `json:"enabled"`
	Params  map[string]string `json:"params,omitempty"`
}

// Specification fully describes the assistant to build. Never mutated by the
// pipeline.
type Specification struct {
	ID          string                `json:"id"`
	OwnerID     string                `json:"owner_id"`
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Personality map[string]string     `json:"personality,omitempty"`
	Tools       map[string]ToolConfig `json:"tools,omitempty"`
}

// Store is the read-only collaborator surface. Owner mismatch reads as
// absence so one client can never observe another's specifications.
type Store interface {
	GetSpecification(ctx context.Context, id, ownerID string) (Specification, error)
}
