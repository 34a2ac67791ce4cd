// Package dispatcher implements the named command registry built atop
// pkg/eventloop: request/response dispatch with a middleware chain,
// per-command timeout, and a bounded undo stack. Grounded on the teacher's
// manager.WarrenFSM Command{Op,Data} dispatch-by-name pattern, generalized
// from a single Raft-applied command type to an arbitrary handler registry.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skywave-obs/lithiumcore/pkg/corerr"
	"github.com/skywave-obs/lithiumcore/pkg/eventloop"
	"github.com/skywave-obs/lithiumcore/pkg/log"
	"github.com/skywave-obs/lithiumcore/pkg/metrics"
)

// Args is the dynamic argument record passed to a Handler, matching the
// teacher FSM's Command.Data json.RawMessage idiom.
type Args json.RawMessage

// Decode unmarshals Args into v.
func (a Args) Decode(v any) error {
	return json.Unmarshal(a, v)
}

// Handler is the body of a registered command.
type Handler func(args Args) (any, error)

// Middleware wraps a dispatch; next invokes the remainder of the chain.
type Middleware func(name string, args Args, next Handler) (any, error)

// Options configures a registered command.
type Options struct {
	Undo     Handler // optional inverse handler
	Timeout  time.Duration
	Priority int32
}

type command struct {
	name     string
	handler  Handler
	undo     Handler
	timeout  time.Duration
	priority int32
}

type undoRecord struct {
	name        string
	args        Args
	inverseArgs Args
}

// Dispatcher is the named command registry.
type Dispatcher struct {
	logger zerolog.Logger
	loop   *eventloop.Loop

	mu       sync.RWMutex
	commands map[string]*command
	chain    []Middleware

	undoMu    sync.Mutex
	undoStack []undoRecord
	undoCap   int
}

// Config configures a Dispatcher.
type Config struct {
	Loop          *eventloop.Loop
	UndoStackSize int // defaults to 32
}

// New creates a Dispatcher riding on loop.
func New(cfg Config) *Dispatcher {
	undoCap := cfg.UndoStackSize
	if undoCap <= 0 {
		undoCap = 32
	}
	return &Dispatcher{
		logger:   log.WithComponent("dispatcher"),
		loop:     cfg.Loop,
		commands: make(map[string]*command),
		undoCap:  undoCap,
	}
}

// Use appends a middleware to the chain, applied in registration order.
func (d *Dispatcher) Use(mw Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chain = append(d.chain, mw)
}

// Register adds a named command. Re-registering an existing name is an
// InvalidArgument error.
func (d *Dispatcher) Register(name string, handler Handler, opts Options) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.commands[name]; exists {
		return corerr.Newf(corerr.InvalidArgument, "command %q already registered", name)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	d.commands[name] = &command{
		name:     name,
		handler:  handler,
		undo:     opts.Undo,
		timeout:  timeout,
		priority: opts.Priority,
	}
	return nil
}

// Dispatch executes the middleware chain (in registration order) and then
// the named command's handler on the event loop at its declared priority,
// returning a channel resolved with the result. A handler that has not
// completed by the command's timeout resolves the channel with a Timeout
// error; the in-flight loop task is left to finish on its own (documented
// leak-but-ignore semantics, §7) since the loop has no cooperative
// preemption point to interrupt it at.
func (d *Dispatcher) Dispatch(name string, args Args) <-chan corerr.Result[any] {
	out := make(chan corerr.Result[any], 1)

	d.mu.RLock()
	cmd, exists := d.commands[name]
	chain := d.chain
	d.mu.RUnlock()

	if !exists {
		metrics.CommandsDispatched.WithLabelValues(name, string(corerr.NotFound)).Inc()
		out <- corerr.Fail[any](corerr.Newf(corerr.NotFound, "command %q not registered", name))
		return out
	}

	handler := cmd.handler
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := handler
		handler = func(a Args) (any, error) {
			return mw(name, a, next)
		}
	}

	type loopResult struct {
		value any
		err   error
	}
	resultCh := make(chan loopResult, 1)

	d.loop.Post(func(ctx context.Context) (any, error) {
		value, err := handler(args)
		resultCh <- loopResult{value: value, err: err}
		return value, err
	}, cmd.priority)

	timer := metrics.NewTimer()
	deadline := time.NewTimer(cmd.timeout)

	go func() {
		defer deadline.Stop()
		select {
		case r := <-resultCh:
			timer.ObserveDurationVec(metrics.CommandLatency, name)
			if r.err != nil {
				kind := corerr.KindOf(r.err)
				if kind == "" {
					kind = corerr.HandlerFailed
				}
				metrics.CommandsDispatched.WithLabelValues(name, string(kind)).Inc()
				if cerr, ok := r.err.(*corerr.Error); ok {
					out <- corerr.Fail[any](cerr)
				} else {
					out <- corerr.Fail[any](corerr.Wrap(corerr.HandlerFailed, r.err, "handler failed"))
				}
				return
			}
			metrics.CommandsDispatched.WithLabelValues(name, "").Inc()
			out <- corerr.Ok(r.value)
		case <-deadline.C:
			metrics.CommandsDispatched.WithLabelValues(name, string(corerr.Timeout)).Inc()
			out <- corerr.Fail[any](corerr.Newf(corerr.Timeout, "command %q exceeded %s", name, cmd.timeout))
		}
	}()

	return out
}

// RecordUndo pushes an undo record for a command that declared an inverse,
// evicting the oldest entry once undoCap is exceeded (FIFO ring).
func (d *Dispatcher) RecordUndo(name string, args, inverseArgs Args) {
	d.undoMu.Lock()
	defer d.undoMu.Unlock()

	d.undoStack = append(d.undoStack, undoRecord{name: name, args: args, inverseArgs: inverseArgs})
	if len(d.undoStack) > d.undoCap {
		d.undoStack = d.undoStack[len(d.undoStack)-d.undoCap:]
	}
}

// UndoLast pops the top undo record and dispatches its inverse.
func (d *Dispatcher) UndoLast() (<-chan corerr.Result[any], error) {
	d.undoMu.Lock()
	if len(d.undoStack) == 0 {
		d.undoMu.Unlock()
		return nil, corerr.New(corerr.InvalidState, "undo stack empty")
	}
	top := d.undoStack[len(d.undoStack)-1]
	d.undoStack = d.undoStack[:len(d.undoStack)-1]
	d.undoMu.Unlock()

	d.mu.RLock()
	cmd, exists := d.commands[top.name]
	d.mu.RUnlock()
	if !exists || cmd.undo == nil {
		return nil, corerr.Newf(corerr.InvalidState, "command %q has no undo handler", top.name)
	}

	return d.Dispatch(top.name, top.inverseArgs), nil
}
