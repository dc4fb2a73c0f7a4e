// Package eventbus decouples the engine's components from observability
// consumers with a non-blocking in-memory fanout.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the engine.
const (
	TypeSlotState      = "slot.state"
	TypeSlotPairing    = "slot.pairing"
	TypeCadenceStarted = "cadence.started"
	TypeCadenceStopped = "cadence.stopped"
	TypeSendOutcome    = "send.outcome"
)

// Event is one engine signal. Tenant is set on every event so consumers
// can filter without inspecting Data.
type Event struct {
	Type   string
	Tenant string
	Time   time.Time
	Data   any
}

// Bus fans events out to subscribers.
//
// Publish never blocks: a subscriber that stops draining its channel
// loses events, it cannot stall a send path.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[int]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]chan Event
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		b.offer(ch, e)
	}
}

// offer attempts a non-blocking delivery. The channel may be closed by a
// concurrent unsubscribe; the recover absorbs that race.
func (b *memBus) offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
