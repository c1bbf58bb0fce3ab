package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/observability"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/runtime"
)

// Maintenance actions.
const (
	ActionGCImages         = "gc-images"
	ActionPurgeStaleBuilds = "purge-stale-builds"
)

// MaintenanceRunner executes the built-in maintenance actions. It cleans up
// byproducts only: records are never deleted, they are the audit trail.
type MaintenanceRunner struct {
	records record.Store
	rt      runtime.Runtime
	// SandboxRoot is the work dir whose per-build sandboxes are purged once
	// the build has been completed for longer than PurgeAge.
	SandboxRoot string
	PurgeAge    time.Duration
	log         *zap.Logger
}

func NewMaintenanceRunner(records record.Store, rt runtime.Runtime, sandboxRoot string, purgeAge time.Duration, log *zap.Logger) *MaintenanceRunner {
	if purgeAge <= 0 {
		purgeAge = 7 * 24 * time.Hour
	}
	return &MaintenanceRunner{
		records:     records,
		rt:          rt,
		SandboxRoot: sandboxRoot,
		PurgeAge:    purgeAge,
		log:         log,
	}
}

func (m *MaintenanceRunner) Run(ctx context.Context, action string) error {
	switch action {
	case ActionGCImages:
		return m.gcImages(ctx)
	case ActionPurgeStaleBuilds:
		return m.purgeStaleBuilds(ctx)
	default:
		return fmt.Errorf("unknown maintenance action %q", action)
	}
}

func (m *MaintenanceRunner) gcImages(ctx context.Context) error {
	removed, err := m.rt.PruneDanglingImages(ctx)
	if err != nil {
		return errors.Wrap(err, "prune dangling images")
	}
	observability.Default.IncCounter("images_pruned_total", nil, float64(removed))
	m.log.Info("image gc finished", zap.Int("removed", removed))
	return nil
}

func (m *MaintenanceRunner) purgeStaleBuilds(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-m.PurgeAge)
	done, err := m.records.ListCompletedBefore(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "list completed builds")
	}
	purged := 0
	for _, rec := range done {
		dir := filepath.Join(m.SandboxRoot, "sandboxes", rec.ID)
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.log.Warn("sandbox purge failed", zap.String("build_id", rec.ID), zap.Error(err))
			continue
		}
		purged++
	}
	observability.Default.IncCounter("sandboxes_purged_total", nil, float64(purged))
	m.log.Info("stale build purge finished",
		zap.Int("candidates", len(done)),
		zap.Int("purged", purged))
	return nil
}
