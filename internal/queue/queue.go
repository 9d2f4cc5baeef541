package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wikiprint/wikiprint/internal/events"
)

// Clock abstracts wall time so tests control timestamps.
type Clock interface {
	Now() time.Time
}

// Config fixes the queue's admission and timing policy. It is immutable
// after construction.
type Config struct {
	// Concurrency caps parallel running renders. Zero is legal and means the
	// queue admits work but never starts it.
	Concurrency int
	// QueueTimeout bounds how long an item may sit in waiting.
	QueueTimeout time.Duration
	// ExecutionTimeout bounds how long an item may run after promotion.
	ExecutionTimeout time.Duration
	// MaxTaskCount bounds waiting plus running; overflow is rejected
	// synchronously.
	MaxTaskCount int
}

// Validate enforces the configuration invariants.
func (c Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be >= 0")
	}
	if c.QueueTimeout <= 0 {
		return fmt.Errorf("queue timeout must be > 0")
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution timeout must be > 0")
	}
	if c.MaxTaskCount < 1 {
		return fmt.Errorf("max task count must be >= 1")
	}
	return nil
}

// Queue is the render scheduler. All bookkeeping — admission, promotion,
// timer fires, cancellation, settlement — is serialized under one mutex, so
// no two steps ever observe a partially updated queue. The renders
// themselves run off this serialization point, one goroutine and one browser
// subprocess each.
type Queue struct {
	cfg     Config
	emitter events.Emitter
	clock   Clock
	logger  *zap.Logger
	baseCtx context.Context

	mu        sync.Mutex
	waiting   []*Task
	running   map[string]*Task
	timers    map[string]*time.Timer
	advancing bool
}

// New constructs a Queue. The emitter may be nil; events are then dropped.
func New(cfg Config, emitter events.Emitter, clock Clock, logger *zap.Logger) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queue config: %w", err)
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		cfg:     cfg,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
		baseCtx: context.Background(),
		running: make(map[string]*Task),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Submit admits the task or rejects it synchronously with ErrQueueFull. On
// admission it returns the task's handle; every admitted task settles
// exactly once, with a result or with exactly one failure kind.
func (q *Queue) Submit(task *Task) (*Handle, error) {
	if task == nil || task.process == nil {
		return nil, errors.New("task with a process func is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiting)+len(q.running) >= q.cfg.MaxTaskCount {
		q.emit(task, events.StageQueueFull, "")
		return nil, ErrQueueFull
	}

	task.AddedAt = q.clock.Now()
	task.handle = newHandle(q, task)
	q.waiting = append(q.waiting, task)
	q.timers[task.ID] = time.AfterFunc(q.cfg.QueueTimeout, func() {
		q.queueTimeout(task)
	})
	q.emit(task, events.StageQueueNew, "")
	q.advanceLocked()
	return task.handle, nil
}

// IsFull reports whether the next Submit would be rejected.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)+len(q.running) >= q.cfg.MaxTaskCount
}

// WaitingCount returns the number of admitted, not yet started tasks.
func (q *Queue) WaitingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// RunningCount returns the number of tasks currently rendering.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// advanceLocked is the single place that promotes waiting items to running,
// in strict admission order. The advancing flag keeps the loop non-reentrant
// should an emitter ever call back into the queue.
func (q *Queue) advanceLocked() {
	if q.advancing {
		return
	}
	q.advancing = true
	defer func() { q.advancing = false }()

	for len(q.running) < q.cfg.Concurrency && len(q.waiting) > 0 {
		task := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.stopTimerLocked(task.ID)

		q.running[task.ID] = task
		task.StartedAt = q.clock.Now()
		task.procCtx, task.procCancel = context.WithCancel(q.baseCtx)
		q.timers[task.ID] = time.AfterFunc(q.cfg.ExecutionTimeout, func() {
			q.executionTimeout(task)
		})
		q.emit(task, events.StageProcessStarted, "")
		go q.runTask(task)
	}
}

// runTask executes the render off the bookkeeping lock and funnels its
// settlement back in. If another path (cancel, timeout) claimed the task
// first, the outcome is discarded.
func (q *Queue) runTask(task *Task) {
	result, err := task.process(task.procCtx)

	q.mu.Lock()
	if task.settled {
		q.mu.Unlock()
		return
	}
	task.settled = true
	if err == nil {
		evt := q.event(task, events.StageProcessSuccess, "")
		if result != nil {
			evt.Bytes = int64(len(result.Buffer))
		}
		q.emitter.Emit(evt)
	} else if !errors.Is(err, ErrCancelled) {
		q.emit(task, events.StageProcessFailure, err.Error())
	}
	q.cleanupLocked(task)
	q.advanceLocked()
	q.mu.Unlock()

	task.handle.settle(result, err)
}

// queueTimeout fires while the task should still be waiting. A task that
// already settled or started is left alone; the timer map was cleared under
// the same lock that moved it.
func (q *Queue) queueTimeout(task *Task) {
	q.mu.Lock()
	if task.settled || !q.removeWaitingLocked(task) {
		q.mu.Unlock()
		return
	}
	task.settled = true
	q.emit(task, events.StageQueueTimeout, "")
	q.cleanupLocked(task)
	q.advanceLocked()
	q.mu.Unlock()

	task.handle.settle(nil, ErrQueueTimeout)
}

// executionTimeout fires while the task is running. The timeout claims the
// settlement, asks the task to release its resources, and only rejects the
// handle once that teardown has resolved.
func (q *Queue) executionTimeout(task *Task) {
	q.mu.Lock()
	if task.settled {
		q.mu.Unlock()
		return
	}
	if _, ok := q.running[task.ID]; !ok {
		q.mu.Unlock()
		return
	}
	task.settled = true
	q.stopTimerLocked(task.ID)
	q.emit(task, events.StageProcessTimeout, "")
	q.mu.Unlock()

	go func() {
		if task.procCancel != nil {
			task.procCancel()
		}
		task.runCancel(q.baseCtx)

		q.mu.Lock()
		q.cleanupLocked(task)
		q.advanceLocked()
		q.mu.Unlock()

		task.handle.settle(nil, ErrJobTimeout)
	}()
}

// cancelTask implements the cancellation protocol: idempotent and safe at
// any lifecycle point. Once the abort event is emitted the outcome is
// ErrCancelled even if the render finishes while the browser is torn down.
func (q *Queue) cancelTask(task *Task) {
	q.mu.Lock()
	if task.settled {
		q.mu.Unlock()
		return
	}

	if q.removeWaitingLocked(task) {
		task.settled = true
		q.emit(task, events.StageQueueAbort, "")
		q.cleanupLocked(task)
		q.advanceLocked()
		q.mu.Unlock()

		go func() {
			task.runCancel(q.baseCtx)
			task.handle.settle(nil, ErrCancelled)
		}()
		return
	}

	if _, ok := q.running[task.ID]; ok {
		task.settled = true
		q.emit(task, events.StageProcessAbort, "")
		q.cleanupLocked(task)
		q.advanceLocked()
		q.mu.Unlock()

		go func() {
			if task.procCancel != nil {
				task.procCancel()
			}
			task.runCancel(q.baseCtx)
			task.handle.settle(nil, ErrCancelled)
		}()
		return
	}

	// Not in any set: settlement already in flight.
	q.mu.Unlock()
}

// cleanupLocked removes the task from whichever set it inhabits and clears
// its timers. It runs exactly once per claimed settlement and is idempotent.
func (q *Queue) cleanupLocked(task *Task) {
	q.removeWaitingLocked(task)
	delete(q.running, task.ID)
	q.stopTimerLocked(task.ID)
	if task.procCancel != nil {
		task.procCancel()
	}
}

func (q *Queue) removeWaitingLocked(task *Task) bool {
	for i, w := range q.waiting {
		if w == task {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) stopTimerLocked(id string) {
	if timer, ok := q.timers[id]; ok {
		timer.Stop()
		delete(q.timers, id)
	}
}

func (q *Queue) emit(task *Task, stage events.Stage, note string) {
	q.emitter.Emit(q.event(task, stage, note))
}

func (q *Queue) event(task *Task, stage events.Stage, note string) events.Event {
	now := q.clock.Now()
	evt := events.Event{
		JobID: task.ID,
		TS:    now,
		Stage: stage,
		Note:  note,
	}
	if !task.AddedAt.IsZero() {
		end := now
		if !task.StartedAt.IsZero() {
			end = task.StartedAt
		}
		if d := end.Sub(task.AddedAt); d > 0 {
			evt.Wait = d
		}
	}
	if !task.StartedAt.IsZero() {
		if d := now.Sub(task.StartedAt); d > 0 {
			evt.Run = d
		}
	}
	return evt
}
