package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := q.Push(ctx, BuildJob{ID: fmt.Sprintf("job-%d", i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		job, ok, err := q.Pop(ctx)
		if err != nil || !ok {
			t.Fatalf("pop %d: ok=%v err=%v", i, ok, err)
		}
		if want := fmt.Sprintf("job-%d", i); job.ID != want {
			t.Fatalf("order broken: got %s, want %s", job.ID, want)
		}
	}
}

func TestMemoryQueuePopHonoursContext(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok, err := q.Pop(ctx); ok || err == nil {
		t.Fatalf("expected pop on empty queue to end with the context")
	}
}

func TestMemoryQueueRejectsOverflow(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	for i := 0; i < memoryQueueDepth; i++ {
		if err := q.Push(ctx, BuildJob{ID: fmt.Sprintf("job-%d", i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := q.Push(ctx, BuildJob{ID: "one-too-many"}); err == nil {
		t.Fatalf("expected overflow error")
	}
}
