// Package gateway implements the thin boundary adapters between a wire-level
// transport and the core's A-H components: one function per command-surface
// operation, translating request fields into a component call and the
// result into the public response envelope. The transport itself (HTTP,
// WebSocket) is an out-of-scope collaborator this package is written
// against, never owned here.
//
// Grounded on warren's pkg/api/server.go (method-per-RPC translating wire
// requests into manager calls) and on the envelope shape of the original
// controller surface (`{"status":"success"|"error","code":...}`).
package gateway

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/skywave-obs/lithiumcore/pkg/bus"
	"github.com/skywave-obs/lithiumcore/pkg/corerr"
	"github.com/skywave-obs/lithiumcore/pkg/dispatcher"
	"github.com/skywave-obs/lithiumcore/pkg/guider"
	"github.com/skywave-obs/lithiumcore/pkg/log"
	"github.com/skywave-obs/lithiumcore/pkg/metrics"
	"github.com/skywave-obs/lithiumcore/pkg/registry"
	"github.com/skywave-obs/lithiumcore/pkg/script"
	"github.com/skywave-obs/lithiumcore/pkg/script/analyzer"
	"github.com/skywave-obs/lithiumcore/pkg/sequencer"
)

// Envelope is the public JSON response shape every gateway function returns
// (§6 "JSON response envelope").
type Envelope struct {
	Status string `json:"status"`
	Code   int    `json:"code"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BusEvent is the verbatim shape relayed to a WebSocket transport for every
// message published on the bus (§6 "WebSocket channel").
type BusEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func ok(data any) Envelope {
	return Envelope{Status: "success", Code: 200, Data: data}
}

func fail(err error) Envelope {
	return Envelope{Status: "error", Code: codeFor(err), Error: err.Error()}
}

func codeFor(err error) int {
	switch corerr.KindOf(err) {
	case corerr.NotFound:
		return 404
	case corerr.InvalidArgument:
		return 400
	case corerr.InvalidState:
		return 409
	case corerr.Timeout:
		return 504
	case corerr.Canceled:
		return 499
	case corerr.ConnectionLost:
		return 502
	case corerr.PolicyViolation:
		return 403
	case corerr.DefinitionError:
		return 422
	case corerr.HandlerFailed:
		return 500
	default:
		return 500
	}
}

func unavailable(id string) Envelope {
	return fail(corerr.Newf(corerr.InvalidState, "component %q not registered or already collected", id))
}

// Gateway resolves its collaborators from the Global Service Registry on
// every call rather than holding strong references, matching the registry's
// late-binding, non-ownership contract (§4.H).
type Gateway struct {
	logger   zerolog.Logger
	registry *registry.Registry
}

// New creates a Gateway bound to reg.
func New(reg *registry.Registry) *Gateway {
	return &Gateway{logger: log.WithComponent("gateway"), registry: reg}
}

func (g *Gateway) publish(topic string, payload any) {
	if b, found := registry.Get[bus.Bus](g.registry, registry.MessageBus); found {
		b.Publish(bus.Topic(topic), payload)
	}
}

// HandleDispatch maps a wire dispatch request to the Command Dispatcher.
func (g *Gateway) HandleDispatch(name string, args json.RawMessage) Envelope {
	d, found := registry.Get[dispatcher.Dispatcher](g.registry, registry.CommandDispatcher)
	if !found {
		return unavailable(registry.CommandDispatcher)
	}
	res := <-d.Dispatch(name, dispatcher.Args(args))
	if res.Err != nil {
		return fail(res.Err)
	}
	return ok(res.Value)
}

// HandleUndoLast maps a wire undo request to the Command Dispatcher's undo
// stack.
func (g *Gateway) HandleUndoLast() Envelope {
	d, found := registry.Get[dispatcher.Dispatcher](g.registry, registry.CommandDispatcher)
	if !found {
		return unavailable(registry.CommandDispatcher)
	}
	ch, err := d.UndoLast()
	if err != nil {
		return fail(err)
	}
	res := <-ch
	if res.Err != nil {
		return fail(res.Err)
	}
	return ok(res.Value)
}

// HandleScriptRegister maps a wire script-registration request to the
// Script Manager.
func (g *Gateway) HandleScriptRegister(name, body string, powershell bool) Envelope {
	m, found := registry.Get[script.Manager](g.registry, registry.ScriptManager)
	if !found {
		return unavailable(registry.ScriptManager)
	}
	var err error
	if powershell {
		err = m.RegisterPowerShell(name, body)
	} else {
		err = m.Register(name, body)
	}
	if err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleScriptUpdate maps a wire script-update request to the Script
// Manager.
func (g *Gateway) HandleScriptUpdate(name, body string) Envelope {
	m, found := registry.Get[script.Manager](g.registry, registry.ScriptManager)
	if !found {
		return unavailable(registry.ScriptManager)
	}
	if err := m.Update(name, body); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleScriptDelete maps a wire script-deletion request to the Script
// Manager.
func (g *Gateway) HandleScriptDelete(name string) Envelope {
	m, found := registry.Get[script.Manager](g.registry, registry.ScriptManager)
	if !found {
		return unavailable(registry.ScriptManager)
	}
	m.Delete(name)
	return ok(nil)
}

// HandleScriptRollback maps a wire rollback request to the Script Manager.
func (g *Gateway) HandleScriptRollback(name string, version int) Envelope {
	m, found := registry.Get[script.Manager](g.registry, registry.ScriptManager)
	if !found {
		return unavailable(registry.ScriptManager)
	}
	if err := m.Rollback(name, version); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleScriptRun maps a synchronous wire run request to the Script
// Manager, returning once the run completes.
func (g *Gateway) HandleScriptRun(name string, args map[string]string, opts script.RunOptions) Envelope {
	m, found := registry.Get[script.Manager](g.registry, registry.ScriptManager)
	if !found {
		return unavailable(registry.ScriptManager)
	}
	res, err := m.Run(name, args, opts)
	if err != nil {
		return fail(err)
	}
	return ok(res)
}

// HandleScriptRunAsync starts a script and returns immediately; progress and
// completion are observed separately via HandleScriptInfo or the bus.
func (g *Gateway) HandleScriptRunAsync(name string, args map[string]string, opts script.RunOptions) Envelope {
	m, found := registry.Get[script.Manager](g.registry, registry.ScriptManager)
	if !found {
		return unavailable(registry.ScriptManager)
	}
	if err := m.RunAsync(name, args, opts); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleScriptAbort maps a wire abort request to the Script Manager.
func (g *Gateway) HandleScriptAbort(name string) Envelope {
	m, found := registry.Get[script.Manager](g.registry, registry.ScriptManager)
	if !found {
		return unavailable(registry.ScriptManager)
	}
	if err := m.Abort(name); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleScriptInfo maps a wire status request to the Script Manager.
func (g *Gateway) HandleScriptInfo(name string) Envelope {
	m, found := registry.Get[script.Manager](g.registry, registry.ScriptManager)
	if !found {
		return unavailable(registry.ScriptManager)
	}
	info, err := m.Info(name)
	if err != nil {
		return fail(err)
	}
	return ok(info)
}

// HandleAnalyzerAnalyze maps a wire analysis request to the Script
// Analyzer, consumed independently of whether the target script is
// registered.
func (g *Gateway) HandleAnalyzerAnalyze(text string) Envelope {
	a, found := registry.Get[analyzer.Analyzer](g.registry, registry.ScriptAnalyzer)
	if !found {
		return unavailable(registry.ScriptAnalyzer)
	}
	return ok(a.Analyze(text, 0))
}

// SequencerAddTargetCommand is the dispatcher name the Global Service
// Registry's dispatcher registers for sequencer target additions; its
// Options.Undo removes the target again, recorded via RecordUndo so
// HandleUndoLast can reverse it.
const SequencerAddTargetCommand = "sequencer.add_target"

// HandleSequencerAddTarget dispatches a wire target definition through the
// Command Dispatcher's sequencer.add_target command, recording its inverse
// (removing the target by name) on the undo stack.
func (g *Gateway) HandleSequencerAddTarget(doc sequencer.TargetDoc) Envelope {
	d, found := registry.Get[dispatcher.Dispatcher](g.registry, registry.CommandDispatcher)
	if !found {
		return unavailable(registry.CommandDispatcher)
	}

	args, err := json.Marshal(doc)
	if err != nil {
		return fail(corerr.Wrap(corerr.InvalidArgument, err, "encoding target"))
	}
	res := <-d.Dispatch(SequencerAddTargetCommand, dispatcher.Args(args))
	if res.Err != nil {
		return fail(res.Err)
	}

	inverseArgs, err := json.Marshal(map[string]string{"name": doc.Name})
	if err == nil {
		d.RecordUndo(SequencerAddTargetCommand, dispatcher.Args(args), dispatcher.Args(inverseArgs))
	}
	return ok(nil)
}

// HandleSequencerRemoveTarget maps a wire target-removal request to the
// Exposure Sequencer.
func (g *Gateway) HandleSequencerRemoveTarget(name string) Envelope {
	seq, found := registry.Get[sequencer.Sequence](g.registry, registry.Sequencer)
	if !found {
		return unavailable(registry.Sequencer)
	}
	if err := seq.RemoveTarget(name); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleSequencerExecuteAll starts the sequence on the caller's goroutine
// and blocks until it finishes, stops, or ctx is canceled.
func (g *Gateway) HandleSequencerExecuteAll(ctx context.Context) Envelope {
	seq, found := registry.Get[sequencer.Sequence](g.registry, registry.Sequencer)
	if !found {
		return unavailable(registry.Sequencer)
	}
	if err := seq.ExecuteAll(ctx); err != nil {
		return fail(err)
	}
	return ok(seq.Stats())
}

// HandleSequencerStop maps a wire stop request to the Exposure Sequencer.
func (g *Gateway) HandleSequencerStop() Envelope {
	seq, found := registry.Get[sequencer.Sequence](g.registry, registry.Sequencer)
	if !found {
		return unavailable(registry.Sequencer)
	}
	seq.Stop()
	return ok(nil)
}

// HandleSequencerPause maps a wire pause request to the Exposure Sequencer.
func (g *Gateway) HandleSequencerPause() Envelope {
	seq, found := registry.Get[sequencer.Sequence](g.registry, registry.Sequencer)
	if !found {
		return unavailable(registry.Sequencer)
	}
	seq.Pause()
	return ok(nil)
}

// HandleSequencerResume maps a wire resume request to the Exposure
// Sequencer.
func (g *Gateway) HandleSequencerResume() Envelope {
	seq, found := registry.Get[sequencer.Sequence](g.registry, registry.Sequencer)
	if !found {
		return unavailable(registry.Sequencer)
	}
	seq.Resume()
	return ok(nil)
}

// HandleSequencerProgress maps a wire progress query to the Exposure
// Sequencer.
func (g *Gateway) HandleSequencerProgress() Envelope {
	seq, found := registry.Get[sequencer.Sequence](g.registry, registry.Sequencer)
	if !found {
		return unavailable(registry.Sequencer)
	}
	return ok(map[string]any{
		"progress": seq.Progress(),
		"failed":   seq.FailedTargets(),
	})
}

// HandleSequencerRetryFailed maps a wire retry request to the Exposure
// Sequencer.
func (g *Gateway) HandleSequencerRetryFailed() Envelope {
	seq, found := registry.Get[sequencer.Sequence](g.registry, registry.Sequencer)
	if !found {
		return unavailable(registry.Sequencer)
	}
	seq.RetryFailed()
	return ok(nil)
}

// HandleSequencerSave maps a wire save request to the Exposure Sequencer.
func (g *Gateway) HandleSequencerSave(path string) Envelope {
	seq, found := registry.Get[sequencer.Sequence](g.registry, registry.Sequencer)
	if !found {
		return unavailable(registry.Sequencer)
	}
	if err := seq.Save(path); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleSequencerLoad maps a wire load request to the Exposure Sequencer.
func (g *Gateway) HandleSequencerLoad(path string) Envelope {
	seq, found := registry.Get[sequencer.Sequence](g.registry, registry.Sequencer)
	if !found {
		return unavailable(registry.Sequencer)
	}
	if err := seq.Load(path); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleGuiderStartGuiding maps a wire start-guiding request to the Guider
// Client. It acknowledges once the request is accepted; the settle outcome
// is relayed separately as a "guider.settle.done" bus event.
func (g *Gateway) HandleGuiderStartGuiding(ctx context.Context, settle guider.SettleParams, recalibrate bool) Envelope {
	c, found := registry.Get[guider.Client](g.registry, registry.GuiderClient)
	if !found {
		return unavailable(registry.GuiderClient)
	}
	ch, err := c.StartGuiding(ctx, settle, recalibrate)
	if err != nil {
		return fail(err)
	}
	go g.relaySettle("start_guiding", ch)
	return ok(nil)
}

// HandleGuiderDither maps a wire dither request to the Guider Client.
func (g *Gateway) HandleGuiderDither(ctx context.Context, params guider.DitherParams) Envelope {
	c, found := registry.Get[guider.Client](g.registry, registry.GuiderClient)
	if !found {
		return unavailable(registry.GuiderClient)
	}
	ch, err := c.Dither(ctx, params)
	if err != nil {
		return fail(err)
	}
	go g.relaySettle("dither", ch)
	return ok(nil)
}

func (g *Gateway) relaySettle(op string, ch <-chan corerr.Result[bool]) {
	res := <-ch
	payload := map[string]any{"operation": op, "settled": res.Value}
	if res.Err != nil {
		payload["error"] = res.Err.Error()
	}
	g.publish("guider.settle.done", payload)
}

// HandleGuiderStopGuiding maps a wire stop-guiding request to the Guider
// Client.
func (g *Gateway) HandleGuiderStopGuiding(ctx context.Context) Envelope {
	c, found := registry.Get[guider.Client](g.registry, registry.GuiderClient)
	if !found {
		return unavailable(registry.GuiderClient)
	}
	if err := c.StopGuiding(ctx); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleGuiderPause maps a wire pause-guiding request to the Guider Client.
func (g *Gateway) HandleGuiderPause(ctx context.Context, full bool) Envelope {
	c, found := registry.Get[guider.Client](g.registry, registry.GuiderClient)
	if !found {
		return unavailable(registry.GuiderClient)
	}
	if err := c.Pause(ctx, full); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleGuiderResume maps a wire resume-guiding request to the Guider
// Client.
func (g *Gateway) HandleGuiderResume(ctx context.Context) Envelope {
	c, found := registry.Get[guider.Client](g.registry, registry.GuiderClient)
	if !found {
		return unavailable(registry.GuiderClient)
	}
	if err := c.Resume(ctx); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// HandleGuiderSnapshot maps a wire status query to the Guider Client.
func (g *Gateway) HandleGuiderSnapshot() Envelope {
	c, found := registry.Get[guider.Client](g.registry, registry.GuiderClient)
	if !found {
		return unavailable(registry.GuiderClient)
	}
	state, star, stats, cal, connected := c.Snapshot()
	return ok(map[string]any{
		"state":       state,
		"star":        star,
		"stats":       stats,
		"calibration": cal,
		"connected":   connected,
	})
}

// HandleHealth maps a wire health-check request to the process-wide health
// aggregate.
func (g *Gateway) HandleHealth() Envelope {
	return ok(metrics.GetHealth())
}

// HandleReadiness maps a wire readiness-check request to the process-wide
// readiness aggregate.
func (g *Gateway) HandleReadiness() Envelope {
	readiness := metrics.GetReadiness()
	if readiness.Status != "ready" {
		return Envelope{Status: "error", Code: 503, Data: readiness, Error: readiness.Message}
	}
	return ok(readiness)
}

// RelayBusEvents subscribes to every topic on the bus and invokes emit with
// the verbatim BusEvent shape a WebSocket transport would forward to
// clients. It returns the subscription so the caller can unsubscribe on
// transport shutdown. Its wildcard pattern already covers the Guider
// Client's guider.connection-state events (see guider.ConnectionStateTopic)
// alongside guider.settle.done, so no dedicated relay method is needed for
// session lifecycle transitions.
func (g *Gateway) RelayBusEvents(emit func(BusEvent)) (*bus.Subscription, bool) {
	b, found := registry.Get[bus.Bus](g.registry, registry.MessageBus)
	if !found {
		return nil, false
	}
	sub := b.Subscribe("*", bus.Queued, func(topic bus.Topic, payload any) {
		emit(BusEvent{Topic: string(topic), Payload: payload})
	})
	return sub, true
}
