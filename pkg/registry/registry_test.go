package registry

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	Name string
}

func TestAddAndGetRoundTrip(t *testing.T) {
	r := New()
	svc := &fakeService{Name: "eventloop"}

	Add(r, EventLoop, svc)

	got, ok := Get[fakeService](r, EventLoop)
	require.True(t, ok)
	assert.Same(t, svc, got)
}

func TestGetMissingID(t *testing.T) {
	r := New()
	_, ok := Get[fakeService](r, "does-not-exist")
	assert.False(t, ok)
}

func TestGetWrongType(t *testing.T) {
	r := New()
	Add(r, ScriptManager, &fakeService{Name: "scripts"})

	type otherType struct{}
	_, ok := Get[otherType](r, ScriptManager)
	assert.False(t, ok)
}

func TestRemoveDeletesEntry(t *testing.T) {
	r := New()
	svc := &fakeService{Name: "bus"}
	Add(r, MessageBus, svc)
	r.Remove(MessageBus)

	_, ok := Get[fakeService](r, MessageBus)
	assert.False(t, ok)
}

func TestGetReturnsFalseAfterCollection(t *testing.T) {
	r := New()
	func() {
		svc := &fakeService{Name: "ephemeral"}
		Add(r, DeviceManager, svc)
	}()

	runtime.GC()
	runtime.GC()

	_, ok := Get[fakeService](r, DeviceManager)
	assert.False(t, ok)
}
