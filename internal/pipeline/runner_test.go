package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/build"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/deploy"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/generate"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/publish"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/record"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/runtime"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/spec"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/status"
)

type stubProber struct{ err error }

func (p stubProber) Probe(context.Context, string) error { return p.err }

type harness struct {
	specs   *spec.MemoryStore
	records *record.MemoryStore
	prop    *status.Propagator
	fake    *runtime.Fake
	runner  *Runner
}

// newHarness wires the full pipeline against the fake runtime. The health
// server backs the deploy stage's liveness poll; the smoke test uses the
// stub prober.
func newHarness(t *testing.T, prober build.Prober, health http.HandlerFunc) *harness {
	t.Helper()
	specs := spec.NewMemoryStore()
	records := record.NewMemoryStore()
	prop := status.NewPropagator(records, zap.NewNop())
	fake := runtime.NewFake()

	if health == nil {
		health = func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	}
	srv := httptest.NewServer(health)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse health server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	// The smoke instance takes the first port, the deployment the second.
	fake.NextHostPort = port - 2

	engine, err := generate.NewEngine()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	builder := build.New(fake, prober, build.Options{
		Root:         t.TempDir(),
		Registry:     "registry.local:5000",
		ReadyTimeout: time.Second,
	}, zap.NewNop())
	publisher := publish.New(fake, nil, publish.Options{Attempts: 3, Backoff: time.Millisecond}, zap.NewNop())
	deployer := deploy.New(fake, deploy.Options{
		Host:          "127.0.0.1",
		HealthTimeout: 500 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}, zap.NewNop())

	runner := NewRunner(specs, records, prop, engine, builder, publisher, deployer, Timeouts{
		Generate: time.Second,
		Build:    time.Second,
		Test:     time.Second,
		Publish:  time.Second,
		Deploy:   time.Second,
	}, zap.NewNop())
	return &harness{specs: specs, records: records, prop: prop, fake: fake, runner: runner}
}

func (h *harness) seed(t *testing.T) record.BuildRecord {
	t.Helper()
	h.specs.Put(spec.Specification{
		ID:      "spec-1",
		OwnerID: "owner-1",
		Name:    "Support Bot",
		Tools: map[string]spec.ToolConfig{
			"web_search": {Enabled: true},
		},
	})
	rec := record.BuildRecord{
		ID:      "11112222-3333-4444-5555-666677778888",
		SpecID:  "spec-1",
		OwnerID: "owner-1",
		Queue:   "builds",
		Stage:   record.StageQueued,
		Status:  record.StatusQueued,
	}
	if err := h.records.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t, stubProber{}, nil)
	rec := h.seed(t)

	if err := h.runner.Execute(context.Background(), rec); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, err := h.records.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != record.StageSucceeded {
		t.Fatalf("expected succeeded, got %s (failure: %s)", got.Stage, got.FailureMessage)
	}
	if got.ArtifactDigest == "" {
		t.Fatalf("succeeded build must carry its artifact digest")
	}
	if got.Endpoint == "" {
		t.Fatalf("succeeded build must carry its endpoint")
	}
	if got.CompletedAt == nil {
		t.Fatalf("succeeded build must be timestamped")
	}
	if left := h.fake.RunningContainers(); len(left) != 1 {
		t.Fatalf("expected only the deployed service running, got %v", left)
	}
}

func TestExecuteUnknownSpecFails(t *testing.T) {
	h := newHarness(t, stubProber{}, nil)
	rec := record.BuildRecord{
		ID:     "22223333-4444-5555-6666-777788889999",
		SpecID: "missing",
		Stage:  record.StageQueued,
		Status: record.StatusQueued,
	}
	if err := h.records.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := h.runner.Execute(context.Background(), rec); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := h.records.Get(context.Background(), rec.ID)
	if got.Stage != record.StageFailed {
		t.Fatalf("expected failed, got %s", got.Stage)
	}
	if got.FailureStage != record.StageGenerating {
		t.Fatalf("expected failure in generating, got %s", got.FailureStage)
	}
	if !strings.HasPrefix(got.FailureMessage, string(SpecificationInvalid)) {
		t.Fatalf("expected specification_invalid classification, got %q", got.FailureMessage)
	}
}

func TestExecuteUnsupportedToolFailsGeneration(t *testing.T) {
	h := newHarness(t, stubProber{}, nil)
	rec := h.seed(t)
	h.specs.Put(spec.Specification{
		ID:      "spec-1",
		OwnerID: "owner-1",
		Name:    "Support Bot",
		Tools: map[string]spec.ToolConfig{
			"time-machine": {Enabled: true},
		},
	})

	if err := h.runner.Execute(context.Background(), rec); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := h.records.Get(context.Background(), rec.ID)
	if got.Stage != record.StageFailed || got.FailureStage != record.StageGenerating {
		t.Fatalf("expected failure in generating, got %s/%s", got.Stage, got.FailureStage)
	}
	if !strings.HasPrefix(got.FailureMessage, string(GenerationFailed)) {
		t.Fatalf("expected generation_failed classification, got %q", got.FailureMessage)
	}
	if !strings.Contains(got.FailureMessage, "time-machine") {
		t.Fatalf("failure message should name the offending tool: %q", got.FailureMessage)
	}
}

func TestExecuteBuildFailureKeepsLog(t *testing.T) {
	h := newHarness(t, stubProber{}, nil)
	rec := h.seed(t)
	h.fake.BuildErrs = []error{errors.New("pip install exploded")}

	if err := h.runner.Execute(context.Background(), rec); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := h.records.Get(context.Background(), rec.ID)
	if got.Stage != record.StageFailed || got.FailureStage != record.StageBuilding {
		t.Fatalf("expected failure in building, got %s/%s", got.Stage, got.FailureStage)
	}
	if !strings.HasPrefix(got.FailureMessage, string(BuildFailed)) {
		t.Fatalf("expected build_failed classification, got %q", got.FailureMessage)
	}
	foundLog := false
	for _, l := range got.Logs {
		if l.Stage == record.StageBuilding && strings.Contains(l.Message, "pip install exploded") {
			foundLog = true
		}
	}
	if !foundLog {
		t.Fatalf("raw build log missing from record: %+v", got.Logs)
	}
}

func TestExecuteUnhealthyArtifactNeverPublishes(t *testing.T) {
	h := newHarness(t, stubProber{err: errors.New("empty reply from chat endpoint")}, nil)
	rec := h.seed(t)

	if err := h.runner.Execute(context.Background(), rec); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := h.records.Get(context.Background(), rec.ID)
	if got.Stage != record.StageFailed || got.FailureStage != record.StageTesting {
		t.Fatalf("expected failure in testing, got %s/%s", got.Stage, got.FailureStage)
	}
	if !strings.HasPrefix(got.FailureMessage, string(ArtifactUnhealthy)) {
		t.Fatalf("expected artifact_unhealthy classification, got %q", got.FailureMessage)
	}
	if h.fake.Pushes() != 0 {
		t.Fatalf("unverified artifact must never reach the registry")
	}
	if got.ArtifactDigest != "" {
		t.Fatalf("failed build must not carry an artifact digest")
	}
}

func TestExecutePublishExhaustionFails(t *testing.T) {
	h := newHarness(t, stubProber{}, nil)
	rec := h.seed(t)
	h.fake.PushErrs = []error{
		errors.New("registry down"),
		errors.New("registry down"),
		errors.New("registry down"),
	}

	if err := h.runner.Execute(context.Background(), rec); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := h.records.Get(context.Background(), rec.ID)
	if got.Stage != record.StageFailed || got.FailureStage != record.StagePublishing {
		t.Fatalf("expected failure in publishing, got %s/%s", got.Stage, got.FailureStage)
	}
	if !strings.HasPrefix(got.FailureMessage, string(PublishTransient)) {
		t.Fatalf("expected publish_transient classification, got %q", got.FailureMessage)
	}
	if got.ArtifactDigest != "" {
		t.Fatalf("digest must only be recorded after a successful publish")
	}
}

func TestExecuteDeployFailureKeepsArtifact(t *testing.T) {
	h := newHarness(t, stubProber{}, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	rec := h.seed(t)

	if err := h.runner.Execute(context.Background(), rec); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, _ := h.records.Get(context.Background(), rec.ID)
	if got.Stage != record.StageFailed || got.FailureStage != record.StageDeploying {
		t.Fatalf("expected failure in deploying, got %s/%s", got.Stage, got.FailureStage)
	}
	if !strings.HasPrefix(got.FailureMessage, string(DeploymentFailed)) {
		t.Fatalf("expected deployment_failed classification, got %q", got.FailureMessage)
	}
	// The artifact stayed published; only the deployment was rolled back.
	if got.ArtifactDigest == "" {
		t.Fatalf("published digest must survive a deploy failure")
	}
	if left := h.fake.RunningContainers(); len(left) != 0 {
		t.Fatalf("failed deployment leaked an instance: %v", left)
	}
}

func TestExecuteEmitsOrderedStageEvents(t *testing.T) {
	h := newHarness(t, stubProber{}, nil)
	rec := h.seed(t)

	events, cancel := h.prop.Subscribe(rec.ID)
	defer cancel()

	if err := h.runner.Execute(context.Background(), rec); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []record.Stage{
		record.StageGenerating, record.StageBuilding, record.StageTesting,
		record.StagePublishing, record.StageDeploying, record.StageSucceeded,
	}
	for _, st := range want {
		select {
		case ev := <-events:
			if ev.Stage != string(st) {
				t.Fatalf("out-of-order event: got %s, want %s", ev.Stage, st)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event for stage %s", st)
		}
	}
}
