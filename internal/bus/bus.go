// Package bus is the in-process publish/subscribe fabric between the
// session engine and the subscriber channels. Publishers never block:
// each subscription owns a buffered queue drained by its own goroutine,
// which preserves publication order per subscriber and drops events when
// the queue overflows.
package bus

import (
	"sync"

	"github.com/ength/aiagent-console/internal/event"
	"github.com/ength/aiagent-console/internal/metrics"
)

const queueSize = 1024

// Handler receives events for one subscription. It is invoked from the
// subscription's own drain goroutine, never from the publisher.
type Handler func(event.Event)

type subscription struct {
	ch      chan event.Event
	handler Handler
	done    chan struct{}
}

// Bus fans out events to id-keyed subscriptions. A single dispatch table
// keyed by subscriber id avoids per-subscriber-per-event handler churn.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]*subscription)}
}

// Subscribe registers a handler under the given id, replacing any
// previous subscription with the same id.
func (b *Bus) Subscribe(id string, h Handler) {
	s := &subscription{
		ch:      make(chan event.Event, queueSize),
		handler: h,
		done:    make(chan struct{}),
	}
	go s.drain()

	b.mu.Lock()
	old := b.subs[id]
	b.subs[id] = s
	b.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// Unsubscribe removes the subscription with the given id. Events already
// queued may still be delivered; delivery after close is a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	s := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if s != nil {
		s.close()
	}
}

// Publish delivers the event to every subscription without blocking.
// Events are dropped for subscribers whose queue is full.
func (b *Bus) Publish(ev event.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			metrics.BusEventsDropped.Inc()
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *subscription) drain() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			s.handler(ev)
		}
	}
}

func (s *subscription) close() {
	close(s.done)
}
