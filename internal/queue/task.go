// Package queue implements the admission-controlled render queue: a bounded
// FIFO waiting set, a concurrency gate over running renders, independent
// queue and execution time budgets, and cancellation plumbing that shepherds
// the per-job browser teardown.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wikiprint/wikiprint/internal/render"
)

// ProcessFunc performs the actual render. The queue calls it exactly once,
// after the task enters the running set. The supplied context is cancelled
// when the task is cancelled or times out.
type ProcessFunc func(ctx context.Context) (*render.Result, error)

// CancelFunc releases the external resources tied to the task (typically the
// browser subprocess). The queue invokes it at most once per cancellation
// event; implementations must be idempotent and safe in any state.
type CancelFunc func(ctx context.Context) error

// Task is a single unit of render work. Tasks are created by the request
// glue, submitted once, and never reused.
type Task struct {
	// ID is an opaque identity unique within a process run.
	ID string
	// AddedAt is set by the queue on admission.
	AddedAt time.Time
	// StartedAt is set by the queue when the task is pulled for processing.
	StartedAt time.Time

	process ProcessFunc
	cancel  CancelFunc

	// Guarded by the owning queue's mutex.
	settled bool

	cancelOnce sync.Once

	procCtx    context.Context
	procCancel context.CancelFunc

	handle *Handle
}

// NewTask builds a Task from its capability functions. Tests construct tasks
// whose process is a user-supplied function; production glue wires the
// renderer here.
func NewTask(id string, process ProcessFunc, cancel CancelFunc) (*Task, error) {
	if id == "" {
		return nil, errors.New("task id is required")
	}
	if process == nil {
		return nil, errors.New("task process func is required")
	}
	return &Task{ID: id, process: process, cancel: cancel}, nil
}

// runCancel invokes the cancel capability at most once. Later calls resolve
// immediately.
func (t *Task) runCancel(ctx context.Context) {
	t.cancelOnce.Do(func() {
		if t.cancel != nil {
			_ = t.cancel(ctx)
		}
	})
}

// Handle is the result-bearing future for one submitted task. It settles
// exactly once: either with a render result or with exactly one failure
// kind.
type Handle struct {
	q    *Queue
	task *Task

	once sync.Once
	done chan struct{}

	result *render.Result
	err    error
}

func newHandle(q *Queue, task *Task) *Handle {
	return &Handle{q: q, task: task, done: make(chan struct{})}
}

// Done is closed once the task has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the settlement. It must only be called after Done is
// closed.
func (h *Handle) Result() (*render.Result, error) {
	return h.result, h.err
}

// Cancel routes client-side cancellation into the queue. It is idempotent
// and safe at any lifecycle point, including after settlement.
func (h *Handle) Cancel() {
	h.q.cancelTask(h.task)
}

// Wait blocks until settlement or until ctx is done. A done context triggers
// the cancellation protocol and Wait then returns the cancelled settlement.
func (h *Handle) Wait(ctx context.Context) (*render.Result, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		h.Cancel()
		<-h.done
		return h.Result()
	}
}

// settle delivers the outcome. Only the queue calls it, and only for the
// settlement path that claimed the task first.
func (h *Handle) settle(result *render.Result, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}
