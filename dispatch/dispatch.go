// Package dispatch fans decoded domain events out to subscribers.
//
// Delivery is best-effort per subscriber over a bounded queue: a slow
// consumer never blocks the read loop or its sibling subscribers. Under
// sustained overload the oldest queued event is dropped and counted.
// Within one connection, events reach every subscriber in arrival order.
package dispatch

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/simpleKalvin/bilibili-agent/event"
)

// DefaultQueueSize is used when Subscribe is called with size <= 0.
const DefaultQueueSize = 256

// Subscription is one consumer's view of the event stream. Receive from C
// until it is closed (by Cancel or by Dispatcher.Close).
type Subscription struct {
	C <-chan event.Event

	id      uuid.UUID
	name    string
	ch      chan event.Event
	dropped atomic.Uint64
	d       *Dispatcher
	once    sync.Once
}

// Name returns the label passed to Subscribe.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events were discarded because this subscriber's
// queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the subscription and closes its channel. Safe to call
// more than once and concurrently with publishing.
func (s *Subscription) Cancel() {
	s.d.remove(s.id)
	s.once.Do(func() { close(s.ch) })
}

// Dispatcher broadcasts events to all current subscribers.
type Dispatcher struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	closed bool
}

// New creates a Dispatcher. A nil logger falls back to slog.Default.
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, subs: make(map[uuid.UUID]*Subscription)}
}

// Subscribe registers a consumer with a bounded queue of the given size.
func (d *Dispatcher) Subscribe(name string, size int) *Subscription {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ch := make(chan event.Event, size)
	sub := &Subscription{C: ch, id: uuid.New(), name: name, ch: ch, d: d}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	d.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every subscriber. When a queue is full the oldest
// entry is evicted so the newest event still lands; the eviction is counted
// on that subscriber.
func (d *Dispatcher) Publish(ev event.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, sub := range d.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest, then retry once. Only the consumer
		// can race the second send, so it stays non-blocking.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close detaches and closes every subscription. Publish becomes a no-op.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for id, sub := range d.subs {
		delete(d.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

func (d *Dispatcher) remove(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, id)
}
