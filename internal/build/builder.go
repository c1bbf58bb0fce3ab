// Package build compiles a generated source tree into a container image
// inside a per-job sandbox and validates the result with a smoke test before
// anything is published.
package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/generate"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/runtime"
)

// Prober runs the smoke test against a freshly started instance: a readiness
// probe followed by one synthetic chat request.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

type Options struct {
	// Root holds sandbox directories, one per build id.
	Root     string
	Registry string
	// ReadyTimeout bounds the whole smoke test.
	ReadyTimeout time.Duration
}

type Builder struct {
	rt     runtime.Runtime
	prober Prober
	opts   Options
	log    *zap.Logger
}

func New(rt runtime.Runtime, prober Prober, opts Options, log *zap.Logger) *Builder {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 60 * time.Second
	}
	return &Builder{rt: rt, prober: prober, opts: opts, log: log}
}

// Result carries the built-but-unverified image through the testing stage.
type Result struct {
	ImageTag     string
	ImageID      string
	SourceDigest string
	BuildLog     string
}

// SourceDigest hashes the rendered tree (paths and bytes, in order). The
// digest is the content address: identical sources yield identical tags.
func SourceDigest(files []generate.File) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Path))
		h.Write([]byte{0})
		h.Write(f.Content)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SandboxDir is the exclusive working directory of one build.
func (b *Builder) SandboxDir(buildID string) string {
	return filepath.Join(b.opts.Root, "sandboxes", buildID)
}

// Build writes the source tree into the job's sandbox and builds the image.
// The sandbox is created 0700 and never shared across jobs; the raw build
// log is returned even when the build fails. On failure the sandbox is kept
// for diagnosis until maintenance purges it.
func (b *Builder) Build(ctx context.Context, buildID, slug string, files []generate.File) (Result, error) {
	sandbox := b.SandboxDir(buildID)
	if err := os.MkdirAll(sandbox, 0o700); err != nil {
		return Result{}, fmt.Errorf("create sandbox: %w", err)
	}
	for _, f := range files {
		path := filepath.Join(sandbox, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return Result{}, fmt.Errorf("create sandbox dir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(path, f.Content, 0o600); err != nil {
			return Result{}, fmt.Errorf("write %s: %w", f.Path, err)
		}
	}

	digest := SourceDigest(files)
	tag := fmt.Sprintf("%s/%s:%s", b.opts.Registry, slug, digest[:12])
	imageID, buildLog, err := b.rt.BuildImage(ctx, sandbox, tag)
	if err != nil {
		return Result{BuildLog: buildLog}, fmt.Errorf("image build: %w", err)
	}
	b.log.Info("image built",
		zap.String("build_id", buildID),
		zap.String("tag", tag))
	return Result{ImageTag: tag, ImageID: imageID, SourceDigest: digest, BuildLog: buildLog}, nil
}

// SmokeTest starts one short-lived instance of the built image, probes it,
// and tears the instance down regardless of outcome. A failed probe discards
// the image so an unverified artifact can never be published.
func (b *Builder) SmokeTest(ctx context.Context, buildID string, res Result) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.ReadyTimeout)
	defer cancel()

	name := "smoke-" + buildID
	containerID, hostPort, err := b.rt.StartContainer(ctx, res.ImageTag, name, generate.AssistantPort, nil)
	if err != nil {
		b.discardImage(res.ImageTag)
		return fmt.Errorf("start smoke instance: %w", err)
	}
	defer func() {
		// Teardown must survive ctx expiry; the instance must never leak.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := b.rt.StopContainer(stopCtx, containerID); err != nil {
			b.log.Warn("smoke instance teardown failed",
				zap.String("build_id", buildID),
				zap.String("container_id", containerID),
				zap.Error(err))
		}
	}()

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", hostPort)
	if err := b.prober.Probe(ctx, endpoint); err != nil {
		b.discardImage(res.ImageTag)
		return fmt.Errorf("unhealthy artifact: %w", err)
	}
	return nil
}

// Cleanup removes the sandbox of a finished build.
func (b *Builder) Cleanup(buildID string) error {
	return os.RemoveAll(b.SandboxDir(buildID))
}

func (b *Builder) discardImage(tag string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.rt.RemoveImage(ctx, tag); err != nil {
		b.log.Warn("failed to discard unverified image", zap.String("tag", tag), zap.Error(err))
	}
}
