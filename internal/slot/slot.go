package slot

import (
	"sync"
	"time"

	"slotcast/internal/driver"
)

// Slot is one tenant-owned physical connection.
//
// All mutable fields are guarded by mu. Driver I/O is never performed while
// holding mu; callers snapshot what they need and release it first. Sends
// on a slot are serialized by sendGate so a physical connection never has
// two writes racing on it.
type Slot struct {
	id driver.SlotID

	mu                   sync.Mutex
	state                State
	driverName           string
	identity             string
	pairing              []byte
	lastActivityAt       time.Time
	manuallyDisconnected bool
	failures             []time.Time // recent send failures (sliding window)
	reconnects           int         // consecutive reconnect attempts

	sendGate chan struct{}

	// connCancel aborts an in-flight connect/event-watch; nil when idle.
	connCancel func()
	active     driver.Driver
	events     <-chan driver.Event
}

func newSlot(id driver.SlotID) *Slot {
	s := &Slot{id: id, state: Disconnected, sendGate: make(chan struct{}, 1)}
	s.sendGate <- struct{}{}
	return s
}

func (s *Slot) ID() driver.SlotID { return s.id }

func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info is a point-in-time copy of the slot's observable attributes.
type Info struct {
	Tenant         string
	Slot           int
	State          State
	Driver         string
	Identity       string
	LastActivityAt time.Time
	Manual         bool
}

func (s *Slot) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Tenant:         s.id.Tenant,
		Slot:           s.id.Slot,
		State:          s.state,
		Driver:         s.driverName,
		Identity:       s.identity,
		LastActivityAt: s.lastActivityAt,
		Manual:         s.manuallyDisconnected,
	}
}

// Pairing returns the last pairing artifact the driver emitted, verbatim.
func (s *Slot) Pairing() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pairing == nil {
		return nil
	}
	return append([]byte(nil), s.pairing...)
}

// recordFailure appends a send failure and reports how many fall inside the
// sliding window ending now.
func (s *Slot) recordFailure(now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = append(kept, now)
	return len(s.failures)
}

func (s *Slot) resetFailures() {
	s.mu.Lock()
	s.failures = s.failures[:0]
	s.mu.Unlock()
}

// acquireSend claims the slot's single send permit.
func (s *Slot) acquireSend(done <-chan struct{}) bool {
	select {
	case <-s.sendGate:
		return true
	case <-done:
		return false
	}
}

func (s *Slot) releaseSend() {
	select {
	case s.sendGate <- struct{}{}:
	default:
	}
}
