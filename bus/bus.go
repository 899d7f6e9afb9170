// Package bus implements the multi-producer fanout that carries model change
// events to connected peers and to the UI subscriber channel.
//
// Delivery is best-effort and ordered per producer. A slow subscriber never
// blocks a producer: once its queue is full the subscriber is marked degraded
// and the event is dropped. Connection writers apply their own high-water
// policy on top of this (they disconnect the peer instead).
package bus

import (
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultQueueSize is the per-subscriber high-water mark.
	DefaultQueueSize = 255
)

type Subscription struct {
	C <-chan Event

	id       int
	c        chan Event
	bus      *Bus
	degraded bool
}

// Degraded reports whether events have been dropped because the subscriber
// fell behind.
func (s *Subscription) Degraded() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	return s.degraded
}

func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
	closed bool

	log *zap.Logger
}

func New(log *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		log:  log,
	}
}

func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeBuffered(DefaultQueueSize)
}

func (b *Bus) SubscribeBuffered(size int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make(chan Event, size)
	sub := &Subscription{
		C:   c,
		c:   c,
		id:  b.nextID,
		bus: b,
	}

	b.nextID++

	if b.closed {
		// Late subscribers on a closed bus get an already-closed channel.
		close(c)
		return sub
	}

	b.subs[sub.id] = sub

	return sub
}

// Publish fans the event to every live subscriber. Must not block: full
// queues drop the event and degrade the subscriber.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.c <- event:

		default:
			if !sub.degraded {
				sub.degraded = true
				b.log.Warn("Subscriber queue full, dropping events",
					zap.Int("subscriber", sub.id))
			}
		}
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		close(sub.c)
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}

	close(sub.c)
	delete(b.subs, id)
}
