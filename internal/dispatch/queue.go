package dispatch

import (
	"context"
	"fmt"
)

// Queue is one named FIFO buffer. Pop blocks until a job arrives or the
// context ends.
type Queue interface {
	Push(ctx context.Context, job BuildJob) error
	Pop(ctx context.Context) (BuildJob, bool, error)
}

const memoryQueueDepth = 1024

// MemoryQueue is the in-process backend (dev and test). A bounded channel
// keeps FIFO order and gives natural blocking semantics.
type MemoryQueue struct {
	ch chan BuildJob
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ch: make(chan BuildJob, memoryQueueDepth)}
}

func (q *MemoryQueue) Push(ctx context.Context, job BuildJob) error {
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue buffer full (%d jobs)", memoryQueueDepth)
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (BuildJob, bool, error) {
	select {
	case job := <-q.ch:
		return job, true, nil
	case <-ctx.Done():
		return BuildJob{}, false, ctx.Err()
	}
}
