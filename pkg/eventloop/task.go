package eventloop

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/skywave-obs/lithiumcore/pkg/corerr"
)

// TaskID uniquely and monotonically identifies a task within a Loop.
type TaskID uint64

// Status is the task lifecycle state, driven by atomic CAS per invariant 1:
// Pending transitions to Canceled or Running; Running transitions to
// Completed or Failed. No other transition is valid, except that a periodic
// task returns from Completed or Failed to Pending each time it is
// re-enqueued while the loop is running.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusCanceled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Work is the callable body of a task. ctx is canceled when the loop is
// stopped without draining.
type Work func(ctx context.Context) (any, error)

// Task is one unit of scheduled work.
type Task struct {
	id        TaskID
	priority  int32
	period    time.Duration // zero: not periodic
	work      Work
	status    atomic.Int32
	resultCh  chan corerr.Result[any]
	createdAt time.Time
	readyAt   time.Time

	seq int // tie-break for heap stability, assigned once when the task is scheduled
}

// ID returns the task's identifier.
func (t *Task) ID() TaskID { return t.id }

// Status returns the task's current lifecycle state.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

func (t *Task) casStatus(from, to Status) bool {
	return t.status.CompareAndSwap(int32(from), int32(to))
}

// Handle is the opaque token returned by Post*, carrying enough to Cancel
// or Await the task without exposing the task struct itself.
type Handle struct {
	ID   TaskID
	task *Task
}
