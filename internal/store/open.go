package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "slotcast/pkg/logx"
)

// Store is the tenant-namespaced persistence API used by the engine.
//
// Every method is scoped to one tenant (first key after ctx) except
// ResolveTenant and PruneTerminal, which are deliberately cross-tenant:
// the former answers "who owns this recipient", the latter is maintenance.
// Implementations must partition state so that a call scoped to tenant A
// structurally cannot touch tenant B's rows.
type Store interface {
	// Assignments.
	PutAssignment(ctx context.Context, a Assignment) error
	ActiveAssignment(ctx context.Context, tenantID, recipient string) (Assignment, bool, error)
	ListQueued(ctx context.Context, tenantID string, limit int) ([]Assignment, error)
	ListUnbound(ctx context.Context, tenantID string) ([]Assignment, error)
	QueueDepths(ctx context.Context, tenantID string) (map[int]int, error)
	UnbindSlot(ctx context.Context, tenantID string, slot int) (int, error)
	PruneTerminal(ctx context.Context, olderThan time.Time) (int, error)

	// Cadence.
	CadenceConfig(ctx context.Context, tenantID string) (CadenceConfig, bool, error)
	PutCadenceConfig(ctx context.Context, tenantID string, cfg CadenceConfig) error
	RunState(ctx context.Context, tenantID string) (CadenceRunState, error)
	PutRunState(ctx context.Context, tenantID string, st CadenceRunState) error

	// Recipient ownership.
	PutAssociation(ctx context.Context, a Association) error
	ResolveTenant(ctx context.Context, recipient string) (string, bool, error)
	IsMember(ctx context.Context, tenantID, recipient string) (bool, error)
	PruneAssociations(ctx context.Context, olderThan time.Time) (int, error)

	// Opaque driver session blobs, keyed (tenant, slot, driver).
	PutAuthBlob(ctx context.Context, tenantID string, slot int, driverName string, blob []byte) error
	AuthBlob(ctx context.Context, tenantID string, slot int, driverName string) ([]byte, bool, error)
	DeleteAuthBlob(ctx context.Context, tenantID string, slot int, driverName string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
