package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"slotcast/internal/dispatch"
	"slotcast/internal/driver"
	"slotcast/internal/driver/memory"
	"slotcast/internal/eventbus"
	"slotcast/internal/slot"
	"slotcast/internal/store"
	logx "slotcast/pkg/logx"
)

// connectSlots brings up a tenant pool with the given slots Connected.
func connectSlots(t *testing.T, st store.Store, tenant string, size int, connected []int) *slot.Manager {
	t.Helper()
	drv := memory.New("memory")
	reg := driver.NewRegistry()
	if err := reg.Register(drv); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetDefaultOrder([]string{"memory"}); err != nil {
		t.Fatal(err)
	}
	mgr := slot.NewManager(slot.Config{}, reg, st, eventbus.New(), logx.Nop())
	t.Cleanup(mgr.Close)
	mgr.InitPool(tenant, size)
	for _, n := range connected {
		if err := mgr.Connect(context.Background(), tenant, n); err != nil {
			t.Fatalf("connect slot %d: %v", n, err)
		}
	}
	return mgr
}

func countBySlot(as []store.Assignment) map[int]int {
	out := map[int]int{}
	for _, a := range as {
		out[a.Slot]++
	}
	return out
}

func TestDistributeBalancesAcrossSlots(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	mgr := connectSlots(t, st, "acme", 2, []int{1, 2})
	d := dispatch.New(st, mgr, logx.Nop())

	recipients := []string{"+1", "+2", "+3", "+4", "+5"}
	out, err := d.Distribute(context.Background(), "acme", recipients, store.PriorityNormal, []byte("hello"))
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("got %d assignments", len(out))
	}

	// Five over two slots: the lower-numbered slot takes the extra.
	per := countBySlot(out)
	if per[1] != 3 || per[2] != 2 {
		t.Fatalf("distribution = %v, want 1:3 2:2", per)
	}
	for _, a := range out {
		if a.Status != store.StatusQueued {
			t.Fatalf("assignment %s status = %s", a.Recipient, a.Status)
		}
	}
}

func TestDistributeSkipsDisconnectedSlots(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	mgr := connectSlots(t, st, "acme", 3, []int{2}) // 1 and 3 never connected
	d := dispatch.New(st, mgr, logx.Nop())

	out, err := d.Distribute(context.Background(), "acme", []string{"+1", "+2"}, store.PriorityNormal, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range out {
		if a.Slot != 2 {
			t.Fatalf("recipient %s landed on slot %d", a.Recipient, a.Slot)
		}
	}
}

func TestDistributeFailsWholeWithoutSlots(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	mgr := connectSlots(t, st, "acme", 2, nil)
	d := dispatch.New(st, mgr, logx.Nop())

	_, err := d.Distribute(context.Background(), "acme", []string{"+1"}, store.PriorityNormal, nil)
	if !errors.Is(err, dispatch.ErrNoEligibleSlots) {
		t.Fatalf("err = %v, want ErrNoEligibleSlots", err)
	}
	// Nothing was persisted.
	queued, err := st.ListQueued(context.Background(), "acme", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 0 {
		t.Fatalf("assignments created despite failure: %d", len(queued))
	}
}

func TestDistributeIdempotent(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	mgr := connectSlots(t, st, "acme", 2, []int{1, 2})
	d := dispatch.New(st, mgr, logx.Nop())
	ctx := context.Background()

	first, err := d.Distribute(ctx, "acme", []string{"+1"}, store.PriorityNormal, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Distribute(ctx, "acme", []string{"+1"}, store.PriorityNormal, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second[0].ID != first[0].ID {
		t.Fatalf("re-distribute created a new assignment: %s vs %s", second[0].ID, first[0].ID)
	}
	depths, err := st.QueueDepths(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if depths[first[0].Slot] != 1 {
		t.Fatalf("depth = %v", depths)
	}
}

func TestDistributeContinuesRotationAcrossCalls(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	mgr := connectSlots(t, st, "acme", 2, []int{1, 2})
	d := dispatch.New(st, mgr, logx.Nop())
	ctx := context.Background()

	if _, err := d.Distribute(ctx, "acme", []string{"+1", "+2", "+3"}, store.PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}
	// Slot 1 holds 2, slot 2 holds 1: the next recipient must even it out.
	out, err := d.Distribute(ctx, "acme", []string{"+4"}, store.PriorityNormal, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Slot != 2 {
		t.Fatalf("recipient +4 on slot %d, want 2", out[0].Slot)
	}
}

func TestPurgeRebindsToRemainingSlots(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	mgr := connectSlots(t, st, "acme", 2, []int{1, 2})
	d := dispatch.New(st, mgr, logx.Nop())
	ctx := context.Background()

	if _, err := d.Distribute(ctx, "acme", []string{"+1", "+2", "+3", "+4"}, store.PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}

	d.Purge(ctx, "acme", 1)

	queued, err := st.ListQueued(ctx, "acme", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 4 {
		t.Fatalf("assignments after purge = %d", len(queued))
	}
	for _, a := range queued {
		if a.Slot != 2 {
			t.Fatalf("assignment %s still on slot %d", a.Recipient, a.Slot)
		}
	}
}

func TestPurgeNeverRebindsToPurgedSlot(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	mgr := connectSlots(t, st, "acme", 2, []int{1})
	d := dispatch.New(st, mgr, logx.Nop())
	ctx := context.Background()

	if _, err := d.Distribute(ctx, "acme", []string{"+1", "+2"}, store.PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}

	// The slot still reads Connected, as it does when a purge overlaps a
	// reconnect. Its own work must not come straight back to it.
	d.Purge(ctx, "acme", 1)

	unbound, err := st.ListUnbound(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(unbound) != 2 {
		t.Fatalf("unbound = %d, want both held for another slot", len(unbound))
	}
}

func TestReassignWaitsForEligibleSlot(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	mgr := connectSlots(t, st, "acme", 2, []int{1})
	d := dispatch.New(st, mgr, logx.Nop())
	ctx := context.Background()

	if _, err := d.Distribute(ctx, "acme", []string{"+1", "+2"}, store.PriorityNormal, nil); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Disconnect(ctx, "acme", 1, true); err != nil {
		t.Fatal(err)
	}
	// Operator disconnect with no purge hook wired: unbind by hand to mimic
	// the engine path, then verify Reassign holds them until a slot returns.
	if _, err := st.UnbindSlot(ctx, "acme", 1); err != nil {
		t.Fatal(err)
	}

	moved, err := d.Reassign(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if moved != 0 {
		t.Fatalf("reassigned %d with no eligible slots", moved)
	}
	unbound, err := st.ListUnbound(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(unbound) != 2 {
		t.Fatalf("unbound = %d, assignments must never be dropped", len(unbound))
	}

	if err := mgr.Connect(ctx, "acme", 2); err != nil {
		t.Fatal(err)
	}
	moved, err = d.Reassign(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if moved != 2 {
		t.Fatalf("moved = %d after slot recovery", moved)
	}
}
