// Package sequencer implements the Exposure Sequencer: an ordered list of
// targets executed through the Command Dispatcher under a scheduling policy
// and a failure recovery policy, with persistence, pause/resume, and
// progress reporting published on the message bus.
//
// Grounded on original_source/src/server/controller/sequencer.hpp's route
// surface (addTarget/removeTarget/executeAll/stop/pause/resume/
// saveSequence/loadSequence/getProgress/...) and on the teacher's
// pkg/reconciler status-driven execution-loop shape.
package sequencer

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/skywave-obs/lithiumcore/pkg/bus"
	"github.com/skywave-obs/lithiumcore/pkg/corerr"
	"github.com/skywave-obs/lithiumcore/pkg/dispatcher"
	"github.com/skywave-obs/lithiumcore/pkg/log"
	"github.com/skywave-obs/lithiumcore/pkg/metrics"
)

const docVersion = 1

var validate = validator.New()

// Config configures a Sequence.
type Config struct {
	Dispatcher *dispatcher.Dispatcher
	Bus        *bus.Bus // optional; events are skipped if nil

	Scheduling    SchedulingPolicy
	Recovery      RecoveryPolicy
	MaxConcurrent int
	GlobalTimeout time.Duration
	RetryAttempts int // used when Recovery == RecoveryRetry
}

// Sequence is a runnable, pausable, persistable exposure sequence.
type Sequence struct {
	logger     zerolog.Logger
	dispatcher *dispatcher.Dispatcher
	bus        *bus.Bus

	scheduling    SchedulingPolicy
	recovery      RecoveryPolicy
	maxConcurrent int
	globalTimeout time.Duration
	retryAttempts int

	mu      sync.RWMutex
	targets []*Target

	runMu   sync.Mutex
	running bool
	paused  atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
}

// New creates an empty Sequence.
func New(cfg Config) *Sequence {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	scheduling := cfg.Scheduling
	if scheduling == "" {
		scheduling = SchedulingFIFO
	}
	recovery := cfg.Recovery
	if recovery == "" {
		recovery = RecoverySkip
	}
	return &Sequence{
		logger:        log.WithComponent("sequencer"),
		dispatcher:    cfg.Dispatcher,
		bus:           cfg.Bus,
		scheduling:    scheduling,
		recovery:      recovery,
		maxConcurrent: maxConcurrent,
		globalTimeout: cfg.GlobalTimeout,
		retryAttempts: cfg.RetryAttempts,
	}
}

func (s *Sequence) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.Topic(topic), payload)
	}
}

// AddTarget appends a target built from doc, validating it first.
func (s *Sequence) AddTarget(doc TargetDoc) error {
	if err := validate.Struct(doc); err != nil {
		return corerr.Wrap(corerr.DefinitionError, err, "invalid target definition")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.Name == doc.Name {
			return corerr.Newf(corerr.InvalidArgument, "target %q already exists", doc.Name)
		}
	}
	s.targets = append(s.targets, newTarget(doc, len(s.targets)))
	return s.checkCyclesLocked()
}

// RemoveTarget deletes a target by name.
func (s *Sequence) RemoveTarget(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.targets {
		if t.Name == name {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			return nil
		}
	}
	return corerr.Newf(corerr.NotFound, "target %q not found", name)
}

// ModifyTarget applies mutator to the named target under its lock.
func (s *Sequence) ModifyTarget(name string, mutator func(*Target)) error {
	t, err := s.find(name)
	if err != nil {
		return err
	}
	t.mu.Lock()
	mutator(t)
	t.mu.Unlock()
	return nil
}

// SetTargetParams replaces a target's dynamic params.
func (s *Sequence) SetTargetParams(name string, params Params) error {
	return s.ModifyTarget(name, func(t *Target) { t.Params = params })
}

// SetTargetTaskParams replaces one task's args by uuid within a target.
func (s *Sequence) SetTargetTaskParams(name string, taskID uuid.UUID, args Params) error {
	return s.ModifyTarget(name, func(t *Target) {
		for i := range t.Tasks {
			if t.Tasks[i].UUID == taskID {
				t.Tasks[i].Args = args
				return
			}
		}
	})
}

func (s *Sequence) find(name string) (*Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.targets {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, corerr.Newf(corerr.NotFound, "target %q not found", name)
}

// checkCyclesLocked runs Kahn's algorithm over the prerequisite graph,
// returning a DefinitionError if a non-empty cycle exists. Caller must hold
// s.mu.
func (s *Sequence) checkCyclesLocked() error {
	byName := make(map[string]*Target, len(s.targets))
	indegree := make(map[string]int, len(s.targets))
	for _, t := range s.targets {
		byName[t.Name] = t
		indegree[t.Name] = 0
	}
	for _, t := range s.targets {
		for _, dep := range t.Prerequisites {
			if _, ok := byName[dep]; !ok {
				return corerr.Newf(corerr.DefinitionError, "target %q references unknown prerequisite %q", t.Name, dep)
			}
			indegree[t.Name]++
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range s.targets {
			for _, dep := range t.Prerequisites {
				if dep == name {
					indegree[t.Name]--
					if indegree[t.Name] == 0 {
						queue = append(queue, t.Name)
					}
				}
			}
		}
	}
	if visited != len(s.targets) {
		return corerr.New(corerr.DefinitionError, "sequence target graph contains a prerequisite cycle")
	}
	return nil
}

// Progress returns finished/total across all targets.
func (s *Sequence) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.targets) == 0 {
		return 0
	}
	finished := 0
	for _, t := range s.targets {
		switch t.status() {
		case TargetSucceeded, TargetFailed, TargetSkipped:
			finished++
		}
	}
	return float64(finished) / float64(len(s.targets))
}

// FailedTargets returns the names of targets currently in Failed status.
func (s *Sequence) FailedTargets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, t := range s.targets {
		if t.status() == TargetFailed {
			out = append(out, t.Name)
		}
	}
	return out
}

// RetryFailed moves every Failed target back to Pending.
func (s *Sequence) RetryFailed() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.targets {
		if t.status() == TargetFailed {
			t.setStatus(TargetPending)
		}
	}
}

// ExecuteAll runs the sequence to completion (or until stopped/paused
// permanently), respecting the scheduling and recovery policies.
func (s *Sequence) ExecuteAll(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return corerr.New(corerr.InvalidState, "sequence already running")
	}
	s.running = true
	s.stopped.Store(false)
	runCtx, cancel := context.WithCancel(ctx)
	if s.globalTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.globalTimeout)
	}
	s.cancel = cancel
	s.runMu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
		timer.ObserveDuration(metrics.SequenceDuration)
	}()

	var err error
	switch s.scheduling {
	case SchedulingDependency:
		err = s.runDependency(runCtx)
	case SchedulingPriority:
		err = s.runOrdered(runCtx, s.byPriority())
	default:
		err = s.runOrdered(runCtx, s.byInsertion())
	}

	metrics.SequenceProgress.Set(s.Progress())
	s.publish("sequence.done", map[string]any{"progress": s.Progress()})
	return err
}

func (s *Sequence) byInsertion() []*Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]*Target(nil), s.targets...)
	return out
}

func (s *Sequence) byPriority() []*Target {
	s.mu.RLock()
	out := append([]*Target(nil), s.targets...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// runOrdered runs targets strictly in the given order, bounded by
// maxConcurrent via a weighted semaphore; under RecoveryAbort the first
// failure cancels the run via an errgroup while in-flight siblings finish
// their current task.
func (s *Sequence) runOrdered(ctx context.Context, targets []*Target) error {
	sem := semaphore.NewWeighted(int64(s.maxConcurrent))
	g, gctx := errgroup.WithContext(ctx)

	for _, t := range targets {
		t := t
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if s.checkStopped() {
				return nil
			}
			s.waitWhilePaused(gctx)
			if s.checkStopped() || gctx.Err() != nil {
				return nil
			}
			return s.runTargetWithRecovery(gctx, t)
		})
	}
	return g.Wait()
}

// runDependency repeatedly computes the ready set (Pending targets whose
// prerequisites are all Succeeded) and runs it, bounded by maxConcurrent,
// until no target remains Pending or Running.
func (s *Sequence) runDependency(ctx context.Context) error {
	for {
		ready := s.readySet()
		if len(ready) == 0 {
			if s.anyPending() {
				return corerr.New(corerr.InvalidState, "dependency sequence stalled: no ready targets but pending remain")
			}
			return nil
		}
		if err := s.runOrdered(ctx, ready); err != nil {
			return err
		}
		if s.checkStopped() || ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Sequence) readySet() []*Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	succeeded := make(map[string]bool)
	for _, t := range s.targets {
		if t.status() == TargetSucceeded {
			succeeded[t.Name] = true
		}
	}
	var ready []*Target
	for _, t := range s.targets {
		if t.status() != TargetPending {
			continue
		}
		allMet := true
		for _, dep := range t.Prerequisites {
			if !succeeded[dep] {
				allMet = false
				break
			}
		}
		if allMet {
			ready = append(ready, t)
		}
	}
	return ready
}

func (s *Sequence) anyPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.targets {
		if st := t.status(); st == TargetPending || st == TargetRunning {
			return true
		}
	}
	return false
}

func (s *Sequence) checkStopped() bool { return s.stopped.Load() }

func (s *Sequence) waitWhilePaused(ctx context.Context) {
	for s.paused.Load() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *Sequence) runTargetWithRecovery(ctx context.Context, t *Target) error {
	attempt := 0
	for {
		if s.checkStopped() {
			return nil
		}
		err := s.runOneTarget(ctx, t)
		if err == nil {
			return nil
		}

		switch s.recovery {
		case RecoveryAbort:
			t.setStatus(TargetFailed)
			s.publish("target.finished", map[string]any{"name": t.Name, "status": TargetFailed})
			s.stopped.Store(true)
			return err
		case RecoveryRetry:
			if attempt < s.retryAttempts {
				attempt++
				continue
			}
			fallthrough
		case RecoverySkip:
			t.setStatus(TargetFailed)
			s.publish("target.finished", map[string]any{"name": t.Name, "status": TargetFailed})
			return nil
		case RecoveryAlternative:
			for _, alt := range t.Alternatives {
				if altErr := s.runOneTarget(ctx, alt); altErr == nil {
					t.setStatus(TargetSucceeded)
					return nil
				}
			}
			t.setStatus(TargetFailed)
			s.publish("target.finished", map[string]any{"name": t.Name, "status": TargetFailed})
			return nil
		default:
			return nil
		}
	}
}

func (s *Sequence) runOneTarget(ctx context.Context, t *Target) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.setStatus(TargetRunning)
	metrics.TargetsScheduled.WithLabelValues(string(s.scheduling)).Inc()
	s.publish("target.started", map[string]any{"name": t.Name})

	t.mu.RLock()
	tasks := append([]TaskSpec(nil), t.Tasks...)
	t.mu.RUnlock()

	for _, task := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res := <-s.dispatcher.Dispatch(task.Command, dispatcher.Args(task.Args))
		if res.Err != nil {
			metrics.TargetsFinished.WithLabelValues(string(TargetFailed)).Inc()
			return res.Err
		}
	}

	t.setStatus(TargetSucceeded)
	metrics.TargetsFinished.WithLabelValues(string(TargetSucceeded)).Inc()
	s.publish("target.finished", map[string]any{"name": t.Name, "status": TargetSucceeded})
	metrics.SequenceProgress.Set(s.Progress())
	s.publish("sequence.progress", map[string]any{"progress": s.Progress()})
	return nil
}

// Stop halts the run; remaining targets are left in their current state.
func (s *Sequence) Stop() {
	s.stopped.Store(true)
	s.runMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.runMu.Unlock()
}

// Pause holds after currently running tasks complete; it does not interrupt
// an in-flight task.
func (s *Sequence) Pause() { s.paused.Store(true) }

// Resume clears a pause.
func (s *Sequence) Resume() { s.paused.Store(false) }

// Stats returns execution counters across all targets.
func (s *Sequence) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Total: len(s.targets)}
	for _, t := range s.targets {
		switch t.status() {
		case TargetSucceeded:
			stats.Succeeded++
		case TargetFailed:
			stats.Failed++
		case TargetSkipped:
			stats.Skipped++
		case TargetRunning:
			stats.Running++
		case TargetPending:
			stats.Pending++
		}
	}
	return stats
}

// Save writes the sequence's full definition to path as JSON.
func (s *Sequence) Save(path string) error {
	doc := s.toDoc()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return corerr.Wrap(corerr.HandlerFailed, err, "marshaling sequence document")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return corerr.Wrap(corerr.HandlerFailed, err, "writing sequence document")
	}
	return nil
}

func (s *Sequence) toDoc() SequenceDoc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := SequenceDoc{
		Version: docVersion,
		Policy: PolicyDoc{
			Scheduling:    s.scheduling,
			Recovery:      s.recovery,
			MaxConcurrent: s.maxConcurrent,
			RetryAttempts: s.retryAttempts,
		},
	}
	if s.globalTimeout > 0 {
		secs := int(s.globalTimeout.Seconds())
		doc.Policy.GlobalTimeoutSeconds = &secs
	}
	for _, t := range s.targets {
		doc.Targets = append(doc.Targets, t.doc())
	}
	return doc
}

// Load replaces the sequence's definition from a document at path,
// validating strictly and rejecting prerequisite cycles.
func (s *Sequence) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return corerr.Wrap(corerr.HandlerFailed, err, "reading sequence document")
	}
	var doc SequenceDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return corerr.Wrap(corerr.DefinitionError, err, "decoding sequence document")
	}
	if err := validate.Struct(doc); err != nil {
		return corerr.Wrap(corerr.DefinitionError, err, "validating sequence document")
	}
	if dup := duplicateTargetName(doc.Targets); dup != "" {
		return corerr.Newf(corerr.DefinitionError, "duplicate target name %q", dup)
	}

	s.mu.Lock()
	s.targets = nil
	for i, td := range doc.Targets {
		s.targets = append(s.targets, newTarget(td, i))
	}
	cycleErr := s.checkCyclesLocked()
	s.mu.Unlock()
	if cycleErr != nil {
		return cycleErr
	}

	s.scheduling = doc.Policy.Scheduling
	s.recovery = doc.Policy.Recovery
	s.maxConcurrent = doc.Policy.MaxConcurrent
	s.retryAttempts = doc.Policy.RetryAttempts
	if doc.Policy.GlobalTimeoutSeconds != nil {
		s.globalTimeout = time.Duration(*doc.Policy.GlobalTimeoutSeconds) * time.Second
	}
	return nil
}

func duplicateTargetName(targets []TargetDoc) string {
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if seen[t.Name] {
			return t.Name
		}
		seen[t.Name] = true
	}
	return ""
}

// TargetNames returns every target's name in definition order.
func (s *Sequence) TargetNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.targets))
	for i, t := range s.targets {
		names[i] = t.Name
	}
	return names
}

// TargetStatusOf returns the current status of a named target.
func (s *Sequence) TargetStatusOf(name string) (TargetStatus, error) {
	t, err := s.find(name)
	if err != nil {
		return "", err
	}
	return t.status(), nil
}
