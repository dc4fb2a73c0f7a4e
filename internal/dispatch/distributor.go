package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotcast/internal/slot"
	"slotcast/internal/store"
	logx "slotcast/pkg/logx"
)

// ErrNoEligibleSlots is returned when a tenant has zero Connected slots.
// No assignments are created in that case; the call fails whole.
var ErrNoEligibleSlots = errors.New("no eligible slots")

// Distributor assigns pending recipients to eligible slots in rotation and
// persists the assignment so reprocessing is idempotent.
//
// Selection is depth-balanced rotation: each recipient goes to the eligible
// slot with the smallest live queue depth, ties broken by the lowest slot
// number. That keeps distribution deterministic (the lower-numbered slot
// gets the extra when counts are uneven) and naturally skips slots that are
// not Connected without consuming a rotation step.
type Distributor struct {
	st    store.Store
	slots *slot.Manager
	log   logx.Logger

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

func New(st store.Store, slots *slot.Manager, log logx.Logger) *Distributor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Distributor{st: st, slots: slots, log: log, tenants: map[string]*sync.Mutex{}}
}

// tenantLock serializes assignment and depth mutation per tenant. The distributor
// and the scheduler both touch those; nothing else shares this lock, and it
// is never held across driver I/O.
func (d *Distributor) tenantLock(tenantID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.tenants[tenantID]
	if l == nil {
		l = &sync.Mutex{}
		d.tenants[tenantID] = l
	}
	return l
}

// Distribute assigns each recipient to a slot. Re-distributing a recipient
// that already has a live assignment is a no-op returning the existing one.
func (d *Distributor) Distribute(ctx context.Context, tenantID string, recipients []string, priority store.Priority, payload []byte) ([]store.Assignment, error) {
	eligible := d.slots.Eligible(tenantID)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleSlots
	}

	l := d.tenantLock(tenantID)
	l.Lock()
	defer l.Unlock()

	depths, err := d.st.QueueDepths(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]store.Assignment, 0, len(recipients))
	created := 0
	for _, r := range recipients {
		if existing, ok, err := d.st.ActiveAssignment(ctx, tenantID, r); err != nil {
			return nil, err
		} else if ok {
			out = append(out, existing)
			continue
		}

		target := pickSlot(eligible, depths)
		a := store.Assignment{
			ID:        uuid.NewString(),
			Tenant:    tenantID,
			Recipient: r,
			Slot:      target,
			Priority:  priority,
			Status:    store.StatusQueued,
			Payload:   payload,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.st.PutAssignment(ctx, a); err != nil {
			return nil, err
		}
		// Distribution claims the recipient for this tenant; resolution uses
		// the most recent claim.
		if err := d.st.PutAssociation(ctx, store.Association{Tenant: tenantID, Recipient: r, CreatedAt: now}); err != nil {
			return nil, err
		}
		depths[target]++
		created++
		out = append(out, a)
	}

	d.log.Info("recipients distributed", logx.String("tenant", tenantID),
		logx.Int("requested", len(recipients)), logx.Int("created", created),
		logx.Int("slots", len(eligible)), logx.String("priority", string(priority)))
	return out, nil
}

// Reassign rebinds assignments whose slot was purged (slot 0). Assignments
// stay unbound if the tenant currently has no eligible slot; they are never
// dropped.
func (d *Distributor) Reassign(ctx context.Context, tenantID string) (int, error) {
	return d.reassign(ctx, tenantID, 0)
}

// reassign is Reassign with one slot excluded from the target set, so a
// purge that overlaps a reconnect cannot put work straight back onto the
// slot being drained.
func (d *Distributor) reassign(ctx context.Context, tenantID string, exclude int) (int, error) {
	eligible := d.slots.Eligible(tenantID)
	if exclude > 0 {
		kept := eligible[:0]
		for _, n := range eligible {
			if n != exclude {
				kept = append(kept, n)
			}
		}
		eligible = kept
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	l := d.tenantLock(tenantID)
	l.Lock()
	defer l.Unlock()

	unbound, err := d.st.ListUnbound(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if len(unbound) == 0 {
		return 0, nil
	}
	depths, err := d.st.QueueDepths(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, a := range unbound {
		target := pickSlot(eligible, depths)
		a.Slot = target
		a.UpdatedAt = time.Now()
		if err := d.st.PutAssignment(ctx, a); err != nil {
			return moved, err
		}
		depths[target]++
		moved++
	}
	if moved > 0 {
		d.log.Info("assignments rebound", logx.String("tenant", tenantID), logx.Int("moved", moved))
	}
	return moved, nil
}

// Purge unbinds every live assignment on a slot and tries to rebind them to
// the remaining eligible slots immediately.
func (d *Distributor) Purge(ctx context.Context, tenantID string, slotNumber int) {
	l := d.tenantLock(tenantID)
	l.Lock()
	n, err := d.st.UnbindSlot(ctx, tenantID, slotNumber)
	l.Unlock()
	if err != nil {
		d.log.Error("purge failed", logx.String("tenant", tenantID), logx.Int("slot", slotNumber), logx.Err(err))
		return
	}
	if n == 0 {
		return
	}
	d.log.Info("slot queue purged", logx.String("tenant", tenantID), logx.Int("slot", slotNumber), logx.Int("assignments", n))
	if _, err := d.reassign(ctx, tenantID, slotNumber); err != nil {
		d.log.Error("reassign after purge failed", logx.String("tenant", tenantID), logx.Err(err))
	}
}

// pickSlot returns the eligible slot with the smallest depth; the caller
// guarantees eligible is non-empty and ascending, so equal depths resolve
// to the lowest slot number.
func pickSlot(eligible []int, depths map[int]int) int {
	best := eligible[0]
	for _, n := range eligible[1:] {
		if depths[n] < depths[best] {
			best = n
		}
	}
	return best
}
