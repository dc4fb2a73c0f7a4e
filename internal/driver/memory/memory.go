// Package memory implements a scriptable in-process messaging driver.
// It backs the "memory" driver name in configs and the package tests:
// pairing, auth outcomes, send failures and driver-initiated closes are
// all staged from the test side.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"slotcast/internal/driver"
)

// Behavior scripts one slot's lifecycle.
type Behavior struct {
	// RequirePairing makes Connect emit a pairing artifact and wait for
	// CompletePairing before authenticating. Ignored when the connect
	// carries an auth blob.
	RequirePairing bool
	// PairingArtifact is the artifact published while pairing.
	PairingArtifact string
	// ConnectErr, when set, fails Connect outright.
	ConnectErr error
	// RejectAuth closes the session with an auth-rejected error instead
	// of authenticating.
	RejectAuth bool
	// SendErr, when non-nil, is returned by the next SendFailures sends.
	SendErr      error
	SendFailures int
}

type session struct {
	events chan driver.Event
	cancel context.CancelFunc
	paired chan struct{}
}

// Driver is safe for concurrent use across slots.
type Driver struct {
	name string

	mu        sync.Mutex
	behaviors map[driver.SlotID]*Behavior
	sessions  map[driver.SlotID]*session
	sent      map[driver.SlotID][]string
	auth      map[driver.SlotID][]byte
	seq       int
}

func New(name string) *Driver {
	if name == "" {
		name = "memory"
	}
	return &Driver{
		name:      name,
		behaviors: make(map[driver.SlotID]*Behavior),
		sessions:  make(map[driver.SlotID]*session),
		sent:      make(map[driver.SlotID][]string),
		auth:      make(map[driver.SlotID][]byte),
	}
}

func (d *Driver) Name() string { return d.name }

// Script installs the behavior for a slot. Call before Connect.
func (d *Driver) Script(id driver.SlotID, b Behavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behaviors[id] = &b
}

func (d *Driver) behavior(id driver.SlotID) Behavior {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.behaviors[id]; ok {
		return *b
	}
	return Behavior{}
}

func (d *Driver) Connect(ctx context.Context, id driver.SlotID, authBlob []byte) (<-chan driver.Event, error) {
	b := d.behavior(id)
	if b.ConnectErr != nil {
		return nil, driver.Errf(driver.KindUnreachable, d.name, "connect", b.ConnectErr)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		events: make(chan driver.Event, 8),
		cancel: cancel,
		paired: make(chan struct{}),
	}
	d.mu.Lock()
	if prev, ok := d.sessions[id]; ok {
		prev.cancel()
	}
	d.sessions[id] = s
	d.mu.Unlock()

	go d.run(sctx, id, s, b, authBlob)
	return s.events, nil
}

func (d *Driver) run(ctx context.Context, id driver.SlotID, s *session, b Behavior, authBlob []byte) {
	defer close(s.events)

	if b.RejectAuth {
		s.events <- driver.Event{Type: driver.EventClosed,
			Err: driver.Errf(driver.KindAuthRejected, d.name, "auth", errors.New("credentials rejected"))}
		return
	}

	needPairing := b.RequirePairing && len(authBlob) == 0
	if needPairing {
		artifact := b.PairingArtifact
		if artifact == "" {
			artifact = "pair-" + id.String()
		}
		s.events <- driver.Event{Type: driver.EventPairing, Artifact: []byte(artifact)}
		select {
		case <-s.paired:
		case <-ctx.Done():
			return
		}
	}

	identity := string(authBlob)
	if identity == "" {
		identity = "memory:" + id.String()
	}
	d.mu.Lock()
	d.auth[id] = []byte(identity)
	d.mu.Unlock()

	s.events <- driver.Event{Type: driver.EventAuthenticated, Identity: identity}
	<-ctx.Done()
}

// CompletePairing simulates the user scanning the pairing artifact.
func (d *Driver) CompletePairing(id driver.SlotID) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-s.paired:
	default:
		close(s.paired)
	}
}

// CloseSession simulates a driver-initiated drop (network loss, remote
// logout). The slot manager sees EventClosed and schedules a reconnect.
func (d *Driver) CloseSession(id driver.SlotID, err error) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		select {
		case s.events <- driver.Event{Type: driver.EventClosed, Err: err}:
		default:
		}
	}
	s.cancel()
}

func (d *Driver) Send(ctx context.Context, id driver.SlotID, recipient string, payload []byte) (driver.Result, error) {
	d.mu.Lock()
	b := d.behaviors[id]
	if b != nil && b.SendErr != nil && b.SendFailures > 0 {
		b.SendFailures--
		err := b.SendErr
		d.mu.Unlock()
		return driver.Result{}, err
	}
	_, live := d.sessions[id]
	if !live {
		d.mu.Unlock()
		return driver.Result{}, driver.Errf(driver.KindUnreachable, d.name, "send", fmt.Errorf("no session for %s", id))
	}
	d.seq++
	msgID := fmt.Sprintf("mem-%d", d.seq)
	d.sent[id] = append(d.sent[id], recipient)
	d.mu.Unlock()
	_ = payload
	return driver.Result{MessageID: msgID, At: time.Now()}, nil
}

func (d *Driver) Disconnect(ctx context.Context, id driver.SlotID) error {
	d.mu.Lock()
	s, ok := d.sessions[id]
	delete(d.sessions, id)
	d.mu.Unlock()
	if ok {
		s.cancel()
	}
	return nil
}

// ExportAuth returns the identity captured at authentication, so restarts
// can skip pairing.
func (d *Driver) ExportAuth(id driver.SlotID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	blob, ok := d.auth[id]
	return blob, ok
}

// Sent returns the recipients delivered through a slot, in send order.
func (d *Driver) Sent(id driver.SlotID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent[id]))
	copy(out, d.sent[id])
	return out
}
