package workflow

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Task is one classification request. Seq is the staleness token: a task
// whose Seq no longer matches the workflow's current token is stale and
// its completion is discarded.
type Task struct {
	ID  string
	Seq uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	stale  atomic.Bool
}

func newTask(parent context.Context, seq uint64, timeout time.Duration) *Task {
	base := context.WithoutCancel(parent)
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(base, timeout)
	} else {
		ctx, cancel = context.WithCancel(base)
	}
	return &Task{
		ID:     uuid.NewString(),
		Seq:    seq,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Done is closed once the request has returned and its outcome has been
// applied or discarded.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is done or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stale reports whether the task's outcome was discarded because the
// workflow was reset or given a new file while the request was in flight.
func (t *Task) Stale() bool {
	return t.stale.Load()
}
