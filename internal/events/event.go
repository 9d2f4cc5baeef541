// Package events defines the lifecycle event stream emitted by the render queue.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages. Within a single job the observable sequence is
// a prefix of: queue.new -> (queue.timeout | queue.abort | process.started ->
// (process.success | process.failure | process.timeout | process.abort)).
const (
	StageQueueNew       Stage = "queue.new"
	StageQueueFull      Stage = "queue.full"
	StageQueueTimeout   Stage = "queue.timeout"
	StageQueueAbort     Stage = "queue.abort"
	StageProcessStarted Stage = "process.started"
	StageProcessSuccess Stage = "process.success"
	StageProcessFailure Stage = "process.failure"
	StageProcessAbort   Stage = "process.abort"
	StageProcessTimeout Stage = "process.timeout"
)

// Event captures a single queue or render milestone for one job.
type Event struct {
	// JobID uniquely identifies a render job within a process run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Wait is the time the job spent in the waiting set, when known.
	Wait time.Duration
	// Run is the time the job spent rendering, when known.
	Run time.Duration
	// Bytes carries the size of the produced PDF for process.success.
	Bytes int64
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageQueueNew, StageQueueFull, StageQueueTimeout, StageQueueAbort,
		StageProcessStarted, StageProcessSuccess, StageProcessFailure,
		StageProcessAbort, StageProcessTimeout:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Wait < 0 || e.Run < 0 {
		return errors.New("durations must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage settles a job for good.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageQueueTimeout, StageQueueAbort, StageProcessSuccess,
		StageProcessFailure, StageProcessAbort, StageProcessTimeout:
		return true
	default:
		return false
	}
}
