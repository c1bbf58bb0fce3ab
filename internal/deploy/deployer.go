// Package deploy runs a published artifact as a reachable service and
// confirms it is live before the build is declared succeeded.
package deploy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/generate"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/runtime"
)

type Options struct {
	// Host is where the deployment runtime exposes published ports.
	Host string
	// HealthTimeout bounds the whole post-deploy health wait.
	HealthTimeout time.Duration
	PollInterval  time.Duration
}

type Deployer struct {
	rt     runtime.Runtime
	client *http.Client
	opts   Options
	log    *zap.Logger
}

func New(rt runtime.Runtime, opts Options, log *zap.Logger) *Deployer {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Deployer{
		rt:     rt,
		client: &http.Client{Timeout: 5 * time.Second},
		opts:   opts,
		log:    log,
	}
}

// Deploy starts the artifact, resolves its endpoint, and polls the health
// check until it passes or the deadline expires. On failure any partially
// started instance is torn down; the artifact itself stays published so a
// manual retry skips the rebuild.
func (d *Deployer) Deploy(ctx context.Context, buildID, slug, imageTag string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.HealthTimeout)
	defer cancel()

	name := fmt.Sprintf("assistant-%s-%s", slug, buildID[:8])
	containerID, hostPort, err := d.rt.StartContainer(ctx, imageTag, name, generate.AssistantPort, map[string]string{
		"PIXEL_BUILD_ID": buildID,
	})
	if err != nil {
		return "", fmt.Errorf("start service: %w", err)
	}

	endpoint := fmt.Sprintf("http://%s:%d", d.opts.Host, hostPort)
	if err := d.waitHealthy(ctx, endpoint); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if stopErr := d.rt.StopContainer(stopCtx, containerID); stopErr != nil {
			d.log.Warn("teardown of unhealthy deployment failed",
				zap.String("build_id", buildID),
				zap.String("container_id", containerID),
				zap.Error(stopErr))
		}
		return "", fmt.Errorf("endpoint never became healthy: %w", err)
	}

	d.log.Info("assistant deployed",
		zap.String("build_id", buildID),
		zap.String("endpoint", endpoint))
	return endpoint, nil
}

func (d *Deployer) waitHealthy(ctx context.Context, endpoint string) error {
	t := time.NewTicker(d.opts.PollInterval)
	defer t.Stop()
	var lastErr error = fmt.Errorf("never polled")
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last: %v)", ctx.Err(), lastErr)
		case <-t.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
			if err != nil {
				return err
			}
			resp, err := d.client.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
			lastErr = fmt.Errorf("health returned %s", resp.Status)
		}
	}
}
