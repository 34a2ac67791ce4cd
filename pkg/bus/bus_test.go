package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatchesExact(t *testing.T) {
	assert.True(t, Topic("guider.settle.done").Matches("guider.settle.done"))
	assert.False(t, Topic("guider.settle.done").Matches("guider.settle"))
}

func TestTopicMatchesWildcard(t *testing.T) {
	assert.True(t, Topic("device.camera.connected").Matches("device.*"))
	assert.False(t, Topic("devices.camera").Matches("device.*"))
}

func TestSynchronousDeliveryInRegistrationOrder(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []int

	for i := 1; i <= 3; i++ {
		i := i
		b.Subscribe("target.status", Synchronous, func(topic Topic, payload any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Publish("target.status", "succeeded")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSynchronousPanicIsolated(t *testing.T) {
	b := New()
	var secondCalled bool

	b.Subscribe("x", Synchronous, func(topic Topic, payload any) {
		panic("boom")
	})
	b.Subscribe("x", Synchronous, func(topic Topic, payload any) {
		secondCalled = true
	})

	assert.NotPanics(t, func() { b.Publish("x", nil) })
	assert.True(t, secondCalled)
}

func TestQueuedDeliveryPreservesOrder(t *testing.T) {
	b := New()
	received := make(chan int, 10)

	b.Subscribe("q", Queued, func(topic Topic, payload any) {
		received <- payload.(int)
	})

	for i := 0; i < 5; i++ {
		b.Publish("q", i)
	}

	for i := 0; i < 5; i++ {
		select {
		case v := <-received:
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var calls int
	var mu sync.Mutex

	sub := b.Subscribe("y", Synchronous, func(topic Topic, payload any) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	b.Publish("y", nil)
	b.Unsubscribe(sub)
	b.Publish("y", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestQueuedOverflowDropsOldest(t *testing.T) {
	b := New()
	gate := make(chan struct{})
	received := make(chan int, queuedInboxSize+8)

	sub := b.Subscribe("z", Queued, func(topic Topic, payload any) {
		<-gate // hold the delivery goroutine so the inbox backs up
		received <- payload.(int)
	})
	_ = sub

	for i := 0; i < queuedInboxSize+5; i++ {
		b.Publish("z", i)
	}

	close(gate)

	// The newest message always survives an overflow while older ones are
	// dropped, so it is delivered last and fewer than all messages arrive.
	var got []int
	timeout := time.After(time.Second)
	for len(got) == 0 || got[len(got)-1] != queuedInboxSize+4 {
		select {
		case v := <-received:
			got = append(got, v)
		case <-timeout:
			require.FailNow(t, "newest message was never delivered", "got %v", got)
		}
	}
	assert.Less(t, len(got), queuedInboxSize+5)
}
