package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"slotcast/internal/driver"
)

func waitEvent(t *testing.T, ch <-chan driver.Event, want driver.EventType) driver.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event stream closed waiting for %v", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %v", want)
		}
	}
}

func TestConnectDirectAuth(t *testing.T) {
	t.Parallel()
	d := New("memory")
	id := driver.SlotID{Tenant: "acme", Slot: 1}

	events, err := d.Connect(context.Background(), id, nil)
	if err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, driver.EventAuthenticated)
	if ev.Identity == "" {
		t.Fatal("empty identity on auth")
	}

	res, err := d.Send(context.Background(), id, "+111", []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if res.MessageID == "" {
		t.Fatal("empty message id")
	}
	if sent := d.Sent(id); len(sent) != 1 || sent[0] != "+111" {
		t.Fatalf("sent log = %v", sent)
	}
}

func TestPairingFlow(t *testing.T) {
	t.Parallel()
	d := New("memory")
	id := driver.SlotID{Tenant: "acme", Slot: 2}
	d.Script(id, Behavior{RequirePairing: true, PairingArtifact: "qr-abc"})

	events, err := d.Connect(context.Background(), id, nil)
	if err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, driver.EventPairing)
	if string(ev.Artifact) != "qr-abc" {
		t.Fatalf("artifact = %q", ev.Artifact)
	}

	d.CompletePairing(id)
	waitEvent(t, events, driver.EventAuthenticated)

	// Pairing is skipped when an auth blob is supplied.
	id2 := driver.SlotID{Tenant: "acme", Slot: 3}
	d.Script(id2, Behavior{RequirePairing: true})
	events2, err := d.Connect(context.Background(), id2, []byte("restored"))
	if err != nil {
		t.Fatal(err)
	}
	ev = waitEvent(t, events2, driver.EventAuthenticated)
	if ev.Identity != "restored" {
		t.Fatalf("identity = %q", ev.Identity)
	}
}

func TestAuthRejection(t *testing.T) {
	t.Parallel()
	d := New("memory")
	id := driver.SlotID{Tenant: "acme", Slot: 1}
	d.Script(id, Behavior{RejectAuth: true})

	events, err := d.Connect(context.Background(), id, []byte("stale"))
	if err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, driver.EventClosed)
	if !driver.IsAuthRejected(ev.Err) {
		t.Fatalf("expected auth rejection, got %v", ev.Err)
	}
}

func TestSendFailureInjection(t *testing.T) {
	t.Parallel()
	d := New("memory")
	id := driver.SlotID{Tenant: "acme", Slot: 1}
	injected := errors.New("boom")
	d.Script(id, Behavior{SendErr: injected, SendFailures: 2})

	if _, err := d.Connect(context.Background(), id, nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := d.Send(context.Background(), id, "+111", nil); !errors.Is(err, injected) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if _, err := d.Send(context.Background(), id, "+111", nil); err != nil {
		t.Fatalf("send after injected failures: %v", err)
	}
}

func TestCloseSessionEmitsClosed(t *testing.T) {
	t.Parallel()
	d := New("memory")
	id := driver.SlotID{Tenant: "acme", Slot: 1}

	events, err := d.Connect(context.Background(), id, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, driver.EventAuthenticated)

	d.CloseSession(id, errors.New("network dropped"))
	ev := waitEvent(t, events, driver.EventClosed)
	if ev.Err == nil {
		t.Fatal("closed event missing cause")
	}

	if _, err := d.Send(context.Background(), id, "+111", nil); err == nil {
		t.Fatal("send succeeded after close")
	}
}
