package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywave-obs/lithiumcore/pkg/bus"
	"github.com/skywave-obs/lithiumcore/pkg/dispatcher"
	"github.com/skywave-obs/lithiumcore/pkg/eventloop"
	"github.com/skywave-obs/lithiumcore/pkg/registry"
	"github.com/skywave-obs/lithiumcore/pkg/script"
	"github.com/skywave-obs/lithiumcore/pkg/script/analyzer"
	"github.com/skywave-obs/lithiumcore/pkg/sequencer"
)

func newTestGateway(t *testing.T) (*Gateway, *registry.Registry, *dispatcher.Dispatcher) {
	t.Helper()
	reg := registry.New()

	loop := eventloop.New(eventloop.Config{Workers: 2})
	t.Cleanup(func() { loop.Stop(false) })
	d := dispatcher.New(dispatcher.Config{Loop: loop})
	registry.Add(reg, registry.CommandDispatcher, d)

	b := bus.New()
	registry.Add(reg, registry.MessageBus, b)

	a := analyzer.New()
	registry.Add(reg, registry.ScriptAnalyzer, a)

	sm := script.New(script.Config{Analyzer: a})
	registry.Add(reg, registry.ScriptManager, sm)

	seq := sequencer.New(sequencer.Config{Dispatcher: d, MaxConcurrent: 1})
	registry.Add(reg, registry.Sequencer, seq)

	require.NoError(t, d.Register(SequencerAddTargetCommand, func(args dispatcher.Args) (any, error) {
		var doc sequencer.TargetDoc
		if err := args.Decode(&doc); err != nil {
			return nil, err
		}
		return nil, seq.AddTarget(doc)
	}, dispatcher.Options{Undo: func(args dispatcher.Args) (any, error) {
		var inverse struct {
			Name string `json:"name"`
		}
		if err := args.Decode(&inverse); err != nil {
			return nil, err
		}
		return nil, seq.RemoveTarget(inverse.Name)
	}}))

	return New(reg), reg, d
}

func TestHandleDispatchReturnsSuccessEnvelope(t *testing.T) {
	gw, _, d := newTestGateway(t)
	require.NoError(t, d.Register("ping", func(args dispatcher.Args) (any, error) {
		return "pong", nil
	}, dispatcher.Options{}))

	env := gw.HandleDispatch("ping", nil)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, 200, env.Code)
	assert.Equal(t, "pong", env.Data)
}

func TestHandleDispatchUnknownComponentReturnsUnavailable(t *testing.T) {
	gw := New(registry.New())
	env := gw.HandleDispatch("anything", nil)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, 409, env.Code)
	assert.Contains(t, env.Error, registry.CommandDispatcher)
}

func TestHandleScriptRegisterRunInfo(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	env := gw.HandleScriptRegister("hello", "echo hi", false)
	require.Equal(t, "success", env.Status)

	runEnv := gw.HandleScriptRun("hello", nil, script.RunOptions{})
	require.Equal(t, "success", runEnv.Status)

	infoEnv := gw.HandleScriptInfo("hello")
	require.Equal(t, "success", infoEnv.Status)
}

func TestHandleScriptDeleteThenInfoReturnsNotFound(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	require.Equal(t, "success", gw.HandleScriptRegister("once", "echo hi", false).Status)
	require.Equal(t, "success", gw.HandleScriptDelete("once").Status)

	env := gw.HandleScriptInfo("once")
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, 404, env.Code)
}

func TestHandleAnalyzerAnalyzeFlagsDangerousPattern(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	env := gw.HandleAnalyzerAnalyze("rm -rf /")
	require.Equal(t, "success", env.Status)
	result := env.Data.(analyzer.Result)
	assert.False(t, result.IsValid)
}

func TestHandleSequencerAddTargetAndExecuteAll(t *testing.T) {
	gw, _, d := newTestGateway(t)
	require.NoError(t, d.Register("capture", func(args dispatcher.Args) (any, error) {
		return "ok", nil
	}, dispatcher.Options{}))

	addEnv := gw.HandleSequencerAddTarget(sequencer.TargetDoc{
		Name:  "m31",
		Tasks: []sequencer.TaskSpec{{UUID: uuid.New(), Command: "capture"}},
	})
	require.Equal(t, "success", addEnv.Status)

	execEnv := gw.HandleSequencerExecuteAll(context.Background())
	require.Equal(t, "success", execEnv.Status)

	progressEnv := gw.HandleSequencerProgress()
	require.Equal(t, "success", progressEnv.Status)
	data := progressEnv.Data.(map[string]any)
	assert.Equal(t, 1.0, data["progress"])
}

func TestHandleUndoLastReversesSequencerAddTarget(t *testing.T) {
	gw, reg, d := newTestGateway(t)
	require.NoError(t, d.Register("capture", func(args dispatcher.Args) (any, error) {
		return "ok", nil
	}, dispatcher.Options{}))

	addEnv := gw.HandleSequencerAddTarget(sequencer.TargetDoc{
		Name:  "m42",
		Tasks: []sequencer.TaskSpec{{UUID: uuid.New(), Command: "capture"}},
	})
	require.Equal(t, "success", addEnv.Status)

	seq, found := registry.Get[sequencer.Sequence](reg, registry.Sequencer)
	require.True(t, found)
	require.Len(t, seq.TargetNames(), 1)

	undoEnv := gw.HandleUndoLast()
	require.Equal(t, "success", undoEnv.Status)
	assert.Empty(t, seq.TargetNames())
}

func TestHandleGuiderOperationsUnavailableWithoutClient(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	env := gw.HandleGuiderSnapshot()
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, 409, env.Code)
	assert.Contains(t, env.Error, registry.GuiderClient)
}

func TestHandleHealthReturnsAggregateStatus(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	env := gw.HandleHealth()
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, 200, env.Code)
}

func TestRelayBusEventsForwardsPublishedPayload(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	received := make(chan BusEvent, 1)
	sub, found := gw.RelayBusEvents(func(e BusEvent) { received <- e })
	require.True(t, found)
	defer func() {
		if b, ok := registry.Get[bus.Bus](gw.registry, registry.MessageBus); ok {
			b.Unsubscribe(sub)
		}
	}()

	gw.publish("sequence.progress", map[string]any{"progress": 0.5})

	select {
	case evt := <-received:
		assert.Equal(t, "sequence.progress", evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected relayed event to be delivered")
	}
}
