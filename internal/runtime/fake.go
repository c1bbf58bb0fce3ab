package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Fake is a scriptable in-memory Runtime for tests. Error slices are
// consumed one per call, so a test can fail the first two pushes and let the
// third succeed.
type Fake struct {
	mu sync.Mutex

	BuildErrs []error
	StartErrs []error
	PushErrs  []error

	BuildLogText string
	NextHostPort int

	builds   int
	pushes   int
	starts   int
	running  map[string]bool
	removed  []string
	pruned   int
	lastPush string
}

func NewFake() *Fake {
	return &Fake{
		BuildLogText: "Step 1/6 : FROM python:3.12-slim\nSuccessfully built",
		NextHostPort: 49000,
		running:      make(map[string]bool),
	}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *Fake) BuildImage(_ context.Context, contextDir, tag string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if err := popErr(&f.BuildErrs); err != nil {
		return "", f.BuildLogText + "\nerror: " + err.Error(), err
	}
	sum := sha256.Sum256([]byte(tag + contextDir))
	return "sha256:" + hex.EncodeToString(sum[:]), f.BuildLogText, nil
}

func (f *Fake) StartContainer(_ context.Context, image, name string, _ int, _ map[string]string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if err := popErr(&f.StartErrs); err != nil {
		return "", 0, err
	}
	id := fmt.Sprintf("ctr-%s-%d", name, f.starts)
	f.running[id] = true
	f.NextHostPort++
	_ = image
	return id, f.NextHostPort, nil
}

func (f *Fake) StopContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	return nil
}

func (f *Fake) PushImage(_ context.Context, tag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	if err := popErr(&f.PushErrs); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte("pushed:" + tag))
	f.lastPush = "sha256:" + hex.EncodeToString(sum[:])
	return f.lastPush, nil
}

func (f *Fake) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ref)
	return nil
}

func (f *Fake) PruneDanglingImages(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0, nil
}

// RunningContainers reports instances that were started and never stopped.
func (f *Fake) RunningContainers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.running))
	for id := range f.running {
		out = append(out, id)
	}
	return out
}

func (f *Fake) Pushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func (f *Fake) RemovedImages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}
