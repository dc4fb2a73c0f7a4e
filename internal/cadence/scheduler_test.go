package cadence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"slotcast/internal/cadence"
	"slotcast/internal/dispatch"
	"slotcast/internal/driver"
	"slotcast/internal/driver/memory"
	"slotcast/internal/eventbus"
	"slotcast/internal/slot"
	"slotcast/internal/store"
	"slotcast/internal/tenant"
	logx "slotcast/pkg/logx"
)

type fixture struct {
	st    store.Store
	drv   *memory.Driver
	mgr   *slot.Manager
	dist  *dispatch.Distributor
	sched *cadence.Scheduler
	bus   eventbus.Bus
}

// newFixture wires a full pipeline around the in-process driver. The tick
// interval is pushed out so only explicit ticks and immediate triggers run.
func newFixture(t *testing.T, connected []int) *fixture {
	t.Helper()
	return newFixtureCfg(t, cadence.Config{
		TickInterval: time.Hour,
		RetryBackoff: 5 * time.Millisecond,
	}, connected)
}

func newFixtureCfg(t *testing.T, cfg cadence.Config, connected []int) *fixture {
	t.Helper()
	st := store.NewMemory()
	drv := memory.New("memory")
	reg := driver.NewRegistry()
	if err := reg.Register(drv); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetDefaultOrder([]string{"memory"}); err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	mgr := slot.NewManager(slot.Config{BackoffBase: time.Minute}, reg, st, bus, logx.Nop())
	t.Cleanup(mgr.Close)
	mgr.InitPool("acme", 2)
	for _, n := range connected {
		if err := mgr.Connect(context.Background(), "acme", n); err != nil {
			t.Fatalf("connect slot %d: %v", n, err)
		}
	}

	dist := dispatch.New(st, mgr, logx.Nop())
	sched := cadence.NewScheduler(cfg, st, mgr, dist, tenant.NewResolver(st), bus, logx.Nop())
	t.Cleanup(sched.Close)
	return &fixture{st: st, drv: drv, mgr: mgr, dist: dist, sched: sched, bus: bus}
}

func (f *fixture) policy(t *testing.T, c store.CadenceConfig) {
	t.Helper()
	if err := f.st.PutCadenceConfig(context.Background(), "acme", c); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) distribute(t *testing.T, recipients ...string) {
	t.Helper()
	if _, err := f.dist.Distribute(context.Background(), "acme", recipients, store.PriorityNormal, []byte("msg")); err != nil {
		t.Fatal(err)
	}
}

func waitSent(t *testing.T, f *fixture, recipient string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, ok, err := f.st.ActiveAssignment(context.Background(), "acme", recipient)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			// No live assignment left means it reached a terminal state.
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("recipient %s never left the live queue", recipient)
}

func TestActivateRejectsUnresolvedRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1})

	_, err := f.sched.Activate(context.Background(), "", "+404")
	if !errors.Is(err, tenant.ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
	if sent := f.drv.Sent(driver.SlotID{Tenant: "acme", Slot: 1}); len(sent) != 0 {
		t.Fatalf("sends happened despite failed pre-check: %v", sent)
	}
}

func TestActivateRejectsWithoutConnectedSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := tenant.NewResolver(f.st).Associate(ctx, "acme", "+100"); err != nil {
		t.Fatal(err)
	}

	tid, err := f.sched.Activate(ctx, "", "+100")
	if !errors.Is(err, cadence.ErrNoActiveSlot) {
		t.Fatalf("err = %v, want ErrNoActiveSlot", err)
	}
	if tid != "acme" {
		t.Fatalf("resolved tenant = %q", tid)
	}
}

func TestActivateRejectsForeignRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1})

	_, err := f.sched.Activate(context.Background(), "acme", "+stranger")
	if !errors.Is(err, cadence.ErrRecipientNotOwned) {
		t.Fatalf("err = %v, want ErrRecipientNotOwned", err)
	}
}

func TestActivateSendsImmediately(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1})
	f.policy(t, store.CadenceConfig{BaseDelay: 20 * time.Millisecond})
	f.distribute(t, "+100")

	start := time.Now()
	tid, err := f.sched.Activate(context.Background(), "", "+100")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if tid != "acme" {
		t.Fatalf("resolved tenant = %q", tid)
	}
	waitSent(t, f, "+100")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("immediate send took %s", elapsed)
	}

	sent := f.drv.Sent(driver.SlotID{Tenant: "acme", Slot: 1})
	if len(sent) != 1 || sent[0] != "+100" {
		t.Fatalf("sent = %v", sent)
	}
	rs, err := f.st.RunState(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if rs.TotalSent != 1 {
		t.Fatalf("totalSent = %d", rs.TotalSent)
	}
}

func TestActivateCoalescesDuplicates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1})
	f.policy(t, store.CadenceConfig{BaseDelay: 100 * time.Millisecond})
	f.distribute(t, "+100")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.sched.Activate(ctx, "acme", "+100"); err != nil {
			t.Fatalf("activate %d: %v", i, err)
		}
	}
	waitSent(t, f, "+100")
	time.Sleep(150 * time.Millisecond) // any stray duplicate would land here

	sent := f.drv.Sent(driver.SlotID{Tenant: "acme", Slot: 1})
	if len(sent) != 1 {
		t.Fatalf("coalesced activation sent %d times: %v", len(sent), sent)
	}
}

func TestActivateTogglesImmediateMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1})
	f.policy(t, store.CadenceConfig{BaseDelay: 20 * time.Millisecond})
	f.distribute(t, "+100")
	ctx := context.Background()

	if _, err := f.sched.Activate(ctx, "acme", "+100"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	pcfg, ok, err := f.st.CadenceConfig(ctx, "acme")
	if err != nil || !ok {
		t.Fatalf("cadence config: ok=%v err=%v", ok, err)
	}
	if !pcfg.ImmediateMode {
		t.Fatal("activation did not enter immediate mode")
	}
	waitSent(t, f, "+100")

	if err := f.sched.Stop(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	pcfg, _, err = f.st.CadenceConfig(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if pcfg.ImmediateMode {
		t.Fatal("stop left immediate mode on")
	}
}

func TestImmediateModeShortensTickPacing(t *testing.T) {
	t.Parallel()
	f := newFixtureCfg(t, cadence.Config{
		TickInterval:   time.Hour,
		RetryBackoff:   5 * time.Millisecond,
		ImmediateDelay: time.Millisecond,
	}, []int{1})
	f.policy(t, store.CadenceConfig{BaseDelay: time.Hour, BatchSize: 10, ImmediateMode: true})
	f.distribute(t, "+1", "+2", "+3")

	// With the hour-long base delay the second send could never fit inside
	// this deadline; immediate mode must pace the batch instead.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.sched.ProcessTick(ctx, "acme"); err != nil {
		t.Fatalf("tick paced at base delay despite immediate mode: %v", err)
	}
	rs, err := f.st.RunState(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if rs.TotalSent != 3 {
		t.Fatalf("totalSent = %d, want 3", rs.TotalSent)
	}
}

func TestProcessTickDrainsBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1, 2})
	f.policy(t, store.CadenceConfig{BaseDelay: time.Millisecond, BatchSize: 10})
	f.distribute(t, "+1", "+2", "+3")

	if err := f.sched.ProcessTick(context.Background(), "acme"); err != nil {
		t.Fatalf("tick: %v", err)
	}
	rs, err := f.st.RunState(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if rs.TotalSent != 3 {
		t.Fatalf("totalSent = %d, want 3", rs.TotalSent)
	}
	if rs.LastTickAt.IsZero() {
		t.Fatal("lastTickAt not recorded")
	}
	queued, err := f.st.ListQueued(context.Background(), "acme", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 0 {
		t.Fatalf("%d assignments left queued", len(queued))
	}
}

func TestRetryExhaustionCountsOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1})
	boom := errors.New("provider rejected message")
	f.drv.Script(driver.SlotID{Tenant: "acme", Slot: 1}, memory.Behavior{SendErr: boom, SendFailures: 10})
	f.policy(t, store.CadenceConfig{BaseDelay: time.Millisecond, MaxRetries: 2})
	f.distribute(t, "+100")

	outcomes, unsub := f.bus.Subscribe(16)
	defer unsub()

	if err := f.sched.ProcessTick(context.Background(), "acme"); err != nil {
		t.Fatalf("tick: %v", err)
	}

	rs, err := f.st.RunState(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if rs.TotalErrors != 1 || rs.TotalSent != 0 {
		t.Fatalf("totals = sent %d errors %d, want 0/1", rs.TotalSent, rs.TotalErrors)
	}

	// The live queue is empty; the record survives as exhausted.
	if _, ok, _ := f.st.ActiveAssignment(context.Background(), "acme", "+100"); ok {
		t.Fatal("exhausted assignment still live")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-outcomes:
			if ev.Type != eventbus.TypeSendOutcome {
				continue
			}
			o := ev.Data.(cadence.Outcome)
			if o.Status != string(store.StatusExhausted) || o.Attempts != 2 {
				t.Fatalf("outcome = %+v", o)
			}
			return
		case <-deadline:
			t.Fatal("no send outcome published")
		}
	}
}

func TestSlotVanishMidQueueRebinds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1, 2})
	f.policy(t, store.CadenceConfig{BaseDelay: time.Millisecond})
	f.distribute(t, "+100")
	ctx := context.Background()

	a, ok, err := f.st.ActiveAssignment(ctx, "acme", "+100")
	if err != nil || !ok {
		t.Fatalf("assignment missing: %v", err)
	}
	victim := a.Slot

	// Take the owning slot down without purging, as a crash would.
	if err := f.mgr.Disconnect(ctx, "acme", victim, true); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.ProcessTick(ctx, "acme"); err != nil {
		t.Fatalf("tick: %v", err)
	}

	a, ok, err = f.st.ActiveAssignment(ctx, "acme", "+100")
	if err != nil || !ok {
		t.Fatalf("assignment dropped: %v", err)
	}
	if a.Slot == victim || a.Slot == 0 {
		t.Fatalf("assignment still on slot %d", a.Slot)
	}
}

func TestRemoveCancelsAndDeactivates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1})
	f.distribute(t, "+100")
	ctx := context.Background()

	if err := f.sched.EnsureActive(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Remove(ctx, "acme", "+100"); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := f.st.ActiveAssignment(ctx, "acme", "+100"); ok {
		t.Fatal("cancelled assignment still live")
	}
	rs, err := f.st.RunState(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if rs.Active {
		t.Fatal("cadence still active with empty queue")
	}
}

func TestStopKeepsQueueResumable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1})
	f.policy(t, store.CadenceConfig{BaseDelay: time.Millisecond})
	f.distribute(t, "+1", "+2")
	ctx := context.Background()

	if err := f.sched.EnsureActive(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if err := f.sched.Stop(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	queued, err := f.st.ListQueued(ctx, "acme", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 2 {
		t.Fatalf("queued after stop = %d, want 2", len(queued))
	}

	// A manual tick drains a stopped cadence without reactivating it.
	if err := f.sched.ProcessTick(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	rs, err := f.st.RunState(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if rs.Active {
		t.Fatal("manual tick reactivated cadence")
	}
	if rs.TotalSent != 2 {
		t.Fatalf("totalSent = %d", rs.TotalSent)
	}
}

func TestIsQueued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []int{1})
	f.distribute(t, "+100")
	ctx := context.Background()

	ok, err := f.sched.IsQueued(ctx, "+100")
	if err != nil || !ok {
		t.Fatalf("IsQueued = %v, %v", ok, err)
	}
	ok, err = f.sched.IsQueued(ctx, "+unknown")
	if err != nil || ok {
		t.Fatalf("IsQueued unknown = %v, %v", ok, err)
	}
}
