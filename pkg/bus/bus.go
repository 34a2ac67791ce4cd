// Package bus implements the core's typed publish/subscribe fabric,
// decoupling controllers and device drivers from one another. Grounded on
// the shape of the teacher's pkg/events.Broker: a subscriber set guarded by
// a mutex, synchronous delivery on the publisher's goroutine, and a bounded
// per-subscription inbox for queued delivery.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/skywave-obs/lithiumcore/pkg/log"
	"github.com/skywave-obs/lithiumcore/pkg/metrics"
)

// Topic is a hierarchical dotted event name, e.g. "guider.settle.done".
type Topic string

// Matches reports whether t matches pattern, where pattern may end in a
// single trailing "*" wildcard segment (e.g. "device.*" matches
// "device.camera.connected" and "device" itself does not match "device.*").
func (t Topic) Matches(pattern Topic) bool {
	if pattern == t {
		return true
	}
	prefix, wildcard := strings.CutSuffix(string(pattern), "*")
	if !wildcard {
		return false
	}
	return strings.HasPrefix(string(t), prefix)
}

// Mode selects synchronous or queued delivery for a subscription.
type Mode int

const (
	Synchronous Mode = iota
	Queued
)

// Callback receives a published payload.
type Callback func(topic Topic, payload any)

const queuedInboxSize = 64

// Subscription is the handle returned by Subscribe, used to Unsubscribe.
type Subscription struct {
	id      uint64
	pattern Topic
	mode    Mode
	inbox   chan message
	stopCh  chan struct{}
}

type message struct {
	topic   Topic
	payload any
}

// Bus is a typed pub/sub broker. Zero value is not usable; use New.
type Bus struct {
	logger zerolog.Logger

	mu   sync.RWMutex
	subs []*entry // ordered by registration, required for invariant 3

	nextID atomic.Uint64
}

type entry struct {
	sub      *Subscription
	callback Callback
}

// New creates a Bus ready to publish and subscribe.
func New() *Bus {
	return &Bus{logger: log.WithComponent("bus")}
}

// Subscribe registers callback against topic-or-pattern in the given mode.
func (b *Bus) Subscribe(pattern Topic, mode Mode, callback Callback) *Subscription {
	sub := &Subscription{
		id:      b.nextID.Add(1),
		pattern: pattern,
		mode:    mode,
	}
	if mode == Queued {
		sub.inbox = make(chan message, queuedInboxSize)
		sub.stopCh = make(chan struct{})
		go b.deliverQueued(sub, callback)
	}

	b.mu.Lock()
	b.subs = append(b.subs, &entry{sub: sub, callback: callback})
	b.mu.Unlock()

	return sub
}

// Unsubscribe disconnects sub. In-flight callbacks are allowed to complete.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for i, e := range b.subs {
		if e.sub == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if sub.mode == Queued {
		close(sub.stopCh)
	}
}

// Publish delivers payload to every subscription whose pattern matches
// topic. Synchronous subscribers run on the caller's goroutine, in
// registration order; queued subscribers receive asynchronously via their
// bounded inbox, dropping the oldest queued message on overflow.
func (b *Bus) Publish(topic Topic, payload any) {
	metrics.BusPublishedTotal.WithLabelValues(string(topic)).Inc()

	b.mu.RLock()
	matches := make([]*entry, 0, len(b.subs))
	for _, e := range b.subs {
		if topic.Matches(e.sub.pattern) {
			matches = append(matches, e)
		}
	}
	b.mu.RUnlock()

	for _, e := range matches {
		switch e.sub.mode {
		case Synchronous:
			b.invokeSync(e, topic, payload)
		case Queued:
			b.enqueue(e.sub, topic, payload)
		}
	}
}

func (b *Bus) invokeSync(e *entry, topic Topic, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Uint64("subscription_id", e.sub.id).
				Interface("panic", r).
				Msg("synchronous subscriber panicked")
		}
	}()
	e.callback(topic, payload)
}

func (b *Bus) enqueue(sub *Subscription, topic Topic, payload any) {
	msg := message{topic: topic, payload: payload}
	select {
	case sub.inbox <- msg:
		return
	default:
	}

	// inbox full: drop oldest, then try once more
	select {
	case <-sub.inbox:
		metrics.BusDroppedTotal.WithLabelValues(string(topic)).Inc()
	default:
	}
	select {
	case sub.inbox <- msg:
	default:
		metrics.BusDroppedTotal.WithLabelValues(string(topic)).Inc()
	}
}

func (b *Bus) deliverQueued(sub *Subscription, callback Callback) {
	for {
		select {
		case msg := <-sub.inbox:
			b.invokeQueued(sub, callback, msg)
		case <-sub.stopCh:
			return
		}
	}
}

func (b *Bus) invokeQueued(sub *Subscription, callback Callback, msg message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Uint64("subscription_id", sub.id).
				Interface("panic", r).
				Msg("queued subscriber panicked")
		}
	}()
	callback(msg.topic, msg.payload)
}
