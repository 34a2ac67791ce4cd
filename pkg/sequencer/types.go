package sequencer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TargetStatus is the lifecycle state of one target.
type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetRunning   TargetStatus = "running"
	TargetSkipped   TargetStatus = "skipped"
	TargetSucceeded TargetStatus = "succeeded"
	TargetFailed    TargetStatus = "failed"
)

// SchedulingPolicy selects how the ready set of targets is chosen.
type SchedulingPolicy string

const (
	SchedulingFIFO       SchedulingPolicy = "fifo"
	SchedulingPriority   SchedulingPolicy = "priority"
	SchedulingDependency SchedulingPolicy = "dependency"
)

// RecoveryPolicy selects how a target failure is handled.
type RecoveryPolicy string

const (
	RecoveryAbort       RecoveryPolicy = "abort"
	RecoverySkip        RecoveryPolicy = "skip"
	RecoveryAlternative RecoveryPolicy = "alternative"
	RecoveryRetry       RecoveryPolicy = "retry"
)

// Params is a dynamic, JSON-backed argument record.
type Params json.RawMessage

// TaskSpec is one command-dispatcher call within a target.
type TaskSpec struct {
	UUID    uuid.UUID `json:"uuid"`
	Command string    `json:"command" validate:"required"`
	Args    Params    `json:"args,omitempty"`
}

// TargetDoc is the on-disk/wire shape of one target, in the field order
// the wire format fixes (§6 "Sequence document").
type TargetDoc struct {
	Name          string       `json:"name" validate:"required"`
	Params        Params       `json:"params,omitempty"`
	Tasks         []TaskSpec   `json:"tasks" validate:"required,dive"`
	Priority      int          `json:"priority,omitempty"`
	Alternatives  []TargetDoc  `json:"alternatives,omitempty"`
	Prerequisites []string     `json:"prerequisites,omitempty"`
}

// PolicyDoc is the on-disk/wire shape of a sequence's policy block.
type PolicyDoc struct {
	Scheduling            SchedulingPolicy `json:"scheduling" validate:"required"`
	Recovery              RecoveryPolicy   `json:"recovery" validate:"required"`
	MaxConcurrent         int              `json:"max_concurrent" validate:"required,min=1"`
	GlobalTimeoutSeconds  *int             `json:"global_timeout_seconds,omitempty"`
	RetryAttempts         int              `json:"retry_attempts,omitempty"`
}

// SequenceDoc is the full round-trippable sequence document (§6).
type SequenceDoc struct {
	Version int         `json:"version"`
	Targets []TargetDoc `json:"targets" validate:"required,dive"`
	Policy  PolicyDoc   `json:"policy" validate:"required"`
}

// Target is the runtime representation of one target, built from a
// TargetDoc at load/add time.
type Target struct {
	mu sync.RWMutex

	Name          string
	Params        Params
	Tasks         []TaskSpec
	Priority      int
	Alternatives  []*Target
	Prerequisites []string

	Status     TargetStatus
	RetryCount int
	insertIdx  int
}

func newTarget(doc TargetDoc, insertIdx int) *Target {
	t := &Target{
		Name:          doc.Name,
		Params:        doc.Params,
		Tasks:         append([]TaskSpec(nil), doc.Tasks...),
		Priority:      doc.Priority,
		Prerequisites: append([]string(nil), doc.Prerequisites...),
		Status:        TargetPending,
		insertIdx:     insertIdx,
	}
	for i, alt := range doc.Alternatives {
		t.Alternatives = append(t.Alternatives, newTarget(alt, i))
	}
	return t
}

func (t *Target) status() TargetStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

func (t *Target) setStatus(s TargetStatus) {
	t.mu.Lock()
	t.Status = s
	t.mu.Unlock()
}

func (t *Target) doc() TargetDoc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := TargetDoc{
		Name:          t.Name,
		Params:        t.Params,
		Tasks:         append([]TaskSpec(nil), t.Tasks...),
		Priority:      t.Priority,
		Prerequisites: append([]string(nil), t.Prerequisites...),
	}
	for _, alt := range t.Alternatives {
		d.Alternatives = append(d.Alternatives, alt.doc())
	}
	return d
}

// Stats summarizes a sequence's execution counters.
type Stats struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Running   int
	Pending   int
	StartedAt time.Time
	EndedAt   *time.Time
}
