// Package publish pushes verified images to the artifact registry. Pushes
// are content addressed: identical generated sources reuse the same tag, so
// duplicate builds never duplicate registry storage.
package publish

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/observability"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/runtime"
)

type Options struct {
	// Attempts bounds the retry loop for transient registry errors.
	Attempts int
	// Backoff is the initial delay, doubled per attempt.
	Backoff time.Duration
}

type Publisher struct {
	rt   runtime.Runtime
	logs LogUploader
	opts Options
	log  *zap.Logger
}

// LogUploader optionally archives the raw build log next to the published
// artifact. Nil-safe: a no-op uploader is used when object storage is off.
type LogUploader interface {
	UploadBuildLog(ctx context.Context, buildID, buildLog string) (string, error)
}

func New(rt runtime.Runtime, logs LogUploader, opts Options, log *zap.Logger) *Publisher {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if logs == nil {
		logs = noopUploader{}
	}
	return &Publisher{rt: rt, logs: logs, opts: opts, log: log}
}

// Push publishes the tag and returns its immutable registry digest.
// Transient errors are retried with bounded exponential backoff; the final
// error is returned once attempts are exhausted.
func (p *Publisher) Push(ctx context.Context, buildID, tag string) (string, error) {
	var lastErr error
	backoff := p.opts.Backoff
	for attempt := 1; attempt <= p.opts.Attempts; attempt++ {
		digest, err := p.rt.PushImage(ctx, tag)
		if err == nil {
			observability.Default.IncCounter("artifacts_published_total", nil, 1)
			p.log.Info("artifact published",
				zap.String("build_id", buildID),
				zap.String("tag", tag),
				zap.String("digest", digest),
				zap.Int("attempt", attempt))
			return digest, nil
		}
		lastErr = err
		observability.Default.IncCounter("publish_retries_total", nil, 1)
		p.log.Warn("registry push failed",
			zap.String("build_id", buildID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == p.opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", lastErr
}

// ArchiveBuildLog stores the raw build log if an uploader is configured.
// Failures are logged, never fatal: the log archive is a convenience, not
// part of the publish contract.
func (p *Publisher) ArchiveBuildLog(ctx context.Context, buildID, buildLog string) {
	if strings.TrimSpace(buildLog) == "" {
		return
	}
	uri, err := p.logs.UploadBuildLog(ctx, buildID, buildLog)
	if err != nil {
		p.log.Warn("build log archive failed", zap.String("build_id", buildID), zap.Error(err))
		return
	}
	if uri != "" {
		p.log.Info("build log archived", zap.String("build_id", buildID), zap.String("uri", uri))
	}
}

// NoopUploader keeps build logs local only.
func NoopUploader() LogUploader { return noopUploader{} }

type noopUploader struct{}

func (noopUploader) UploadBuildLog(context.Context, string, string) (string, error) {
	return "", nil
}
