package driver

import (
	"context"
	"fmt"
	"time"
)

// SlotID identifies one physical connection: a (tenant, slot) pair.
// Slot numbers are tenant-local; the pair is the only globally unique key.
type SlotID struct {
	Tenant string
	Slot   int
}

func (id SlotID) String() string { return fmt.Sprintf("%s/%d", id.Tenant, id.Slot) }

// EventType enumerates what a driver can report on its event stream.
type EventType int

const (
	// EventStateChanged carries a free-form driver state string, for logging.
	EventStateChanged EventType = iota
	// EventPairing carries an out-of-band authentication artifact (QR payload,
	// pairing code). The bytes are opaque to the engine and must be surfaced
	// to the operator verbatim.
	EventPairing
	// EventAuthenticated reports successful authentication; Identity holds the
	// resolved phone/account identifier.
	EventAuthenticated
	// EventClosed reports that the driver closed the connection. The engine
	// treats this as an unintended disconnect.
	EventClosed
)

// Event is emitted on the stream returned by Connect.
type Event struct {
	Type     EventType
	SlotID   SlotID
	State    string
	Artifact []byte
	Identity string
	Err      error
	At       time.Time
}

// Result reports the outcome of a single send.
type Result struct {
	MessageID string
	At        time.Time
}

// Driver is the uniform contract over one messaging-provider client library.
//
// Implementations perform no retries; retry policy lives entirely in the
// slot manager and the cadence scheduler. A failed operation returns a
// *Error so the caller can classify it.
//
// Connect returns an event stream that the driver closes when the
// connection is torn down. Auth artifacts restored from a previous session
// are passed in opaque and must not be interpreted by callers.
type Driver interface {
	Name() string
	Connect(ctx context.Context, id SlotID, authBlob []byte) (<-chan Event, error)
	Send(ctx context.Context, id SlotID, recipient string, payload []byte) (Result, error)
	Disconnect(ctx context.Context, id SlotID) error
}

// AuthExporter is implemented by drivers whose sessions survive restarts.
// The returned blob is handed back unmodified to Connect on the same driver.
type AuthExporter interface {
	ExportAuth(id SlotID) ([]byte, bool)
}
