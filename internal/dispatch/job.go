// Package dispatch is the concurrency backbone of the pipeline: it accepts
// build jobs, routes them to named queues, runs bounded worker pools per
// queue, and fires the periodic maintenance schedule.
package dispatch

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Job kinds. Builds run the full pipeline; everything else is a maintenance
// action executed on the maintenance queue.
const (
	KindBuild = "build"
)

// Built-in queue classes. Pools are independent, so a saturated builds
// queue can never starve maintenance work.
const (
	QueueBuilds      = "builds"
	QueueMaintenance = "maintenance"
)

// BuildJob is the unit of work handed to a worker. Immutable once enqueued;
// consumed exactly once (the per-build claim makes a second consumer a
// no-op).
type BuildJob struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	SpecID         string    `json:"spec_id,omitempty"`
	OwnerID        string    `json:"owner_id,omitempty"`
	Queue          string    `json:"queue"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Priority       int       `json:"priority,omitempty"`
	Action         string    `json:"action,omitempty"`
	ScheduleName   string    `json:"schedule_name,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// ScheduleEntry is a recurring maintenance task. Execution is an ordinary
// job on the maintenance queue; the entry itself holds no state beyond its
// cadence.
type ScheduleEntry struct {
	Name   string        `yaml:"name"`
	Every  time.Duration `yaml:"every"`
	Action string        `yaml:"action"`
}

// UnmarshalYAML accepts intervals in Go duration syntax ("30s", "24h").
func (e *ScheduleEntry) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name   string `yaml:"name"`
		Every  string `yaml:"every"`
		Action string `yaml:"action"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	e.Name = raw.Name
	e.Action = raw.Action
	if raw.Every == "" {
		e.Every = 0
		return nil
	}
	every, err := time.ParseDuration(raw.Every)
	if err != nil {
		return fmt.Errorf("schedule entry %q: bad interval %q: %w", raw.Name, raw.Every, err)
	}
	e.Every = every
	return nil
}

type scheduleFile struct {
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// LoadSchedule reads schedule entries from a yaml file. A missing path
// yields the built-in defaults.
func LoadSchedule(path string) ([]ScheduleEntry, error) {
	if path == "" {
		return DefaultSchedule(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	var f scheduleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse schedule file: %w", err)
	}
	for i, e := range f.Schedules {
		if e.Name == "" || e.Action == "" || e.Every <= 0 {
			return nil, fmt.Errorf("schedule entry %d: name, action, and a positive interval are required", i)
		}
	}
	return f.Schedules, nil
}

func DefaultSchedule() []ScheduleEntry {
	return []ScheduleEntry{
		{Name: "image-gc", Every: time.Hour, Action: ActionGCImages},
		{Name: "purge-stale-builds", Every: 24 * time.Hour, Action: ActionPurgeStaleBuilds},
	}
}
