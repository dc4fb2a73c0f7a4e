package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"slotcast/internal/driver"
	"slotcast/internal/driver/memory"
	"slotcast/internal/engine"
	"slotcast/internal/eventbus"
	"slotcast/internal/slot"
	"slotcast/internal/store"
	logx "slotcast/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type rig struct {
	eng *engine.Engine
	drv *memory.Driver
	st  store.Store
}

func newRig(t *testing.T, cfg engine.Config) *rig {
	t.Helper()
	drv := memory.New("memory")
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(drv))
	require.NoError(t, reg.SetDefaultOrder([]string{"memory"}))

	st := store.NewMemory()
	if cfg.Slot.BackoffBase == 0 {
		cfg.Slot.BackoffBase = time.Minute
	}
	if cfg.Cadence.TickInterval == 0 {
		cfg.Cadence.TickInterval = time.Hour
	}
	eng, err := engine.New(cfg, st, reg, eventbus.New(), logx.Nop())
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return &rig{eng: eng, drv: drv, st: st}
}

// connect initializes the tenant's pool and waits for all n slots to come up.
func (r *rig) connect(t *testing.T, tenantID string, n int) {
	t.Helper()
	require.NoError(t, r.eng.InitSlots(context.Background(), tenantID))
	require.Eventually(t, func() bool {
		infos := r.eng.SlotInfo(tenantID)
		if len(infos) != n {
			return false
		}
		for _, i := range infos {
			if i.State != slot.Connected {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "slots for %s never connected", tenantID)
}

func fastPolicy() store.CadenceConfig {
	return store.CadenceConfig{BaseDelay: time.Millisecond, BatchSize: 50, MaxRetries: 2}
}

func TestEngineEndToEnd(t *testing.T) {
	r := newRig(t, engine.Config{
		SlotsPerTenant: 2,
		Tenants:        []engine.TenantConfig{{ID: "globex", Slots: 1}},
	})
	ctx := context.Background()
	r.connect(t, "acme", 2)
	r.connect(t, "globex", 1)
	require.NoError(t, r.eng.ConfigureCadence(ctx, "acme", fastPolicy()))
	require.NoError(t, r.eng.ConfigureCadence(ctx, "globex", fastPolicy()))

	acmeOut, err := r.eng.Distribute(ctx, "acme", []string{"+1", "+2", "+3", "+4"}, store.PriorityNormal, []byte("hi"))
	require.NoError(t, err)
	require.Len(t, acmeOut, 4)
	_, err = r.eng.Distribute(ctx, "globex", []string{"+9"}, store.PriorityNormal, []byte("yo"))
	require.NoError(t, err)

	// Four recipients over two slots land two apiece.
	perSlot := map[int]int{}
	for _, a := range acmeOut {
		perSlot[a.Slot]++
	}
	require.Equal(t, map[int]int{1: 2, 2: 2}, perSlot)

	queued, err := r.eng.IsQueued(ctx, "+1")
	require.NoError(t, err)
	require.True(t, queued)

	require.NoError(t, r.eng.ProcessCadence(ctx, "acme"))

	acmeStats, err := r.eng.Stats(ctx, "acme")
	require.NoError(t, err)
	require.EqualValues(t, 4, acmeStats.TotalSent)
	require.Equal(t, 2, acmeStats.ActiveSlots)
	require.Equal(t, 1.0, acmeStats.SuccessRate)

	// Draining acme must not touch globex's queue or counters.
	globexStats, err := r.eng.Stats(ctx, "globex")
	require.NoError(t, err)
	require.EqualValues(t, 0, globexStats.TotalSent)
	require.Empty(t, r.drv.Sent(driver.SlotID{Tenant: "globex", Slot: 1}))

	require.NoError(t, r.eng.ProcessCadence(ctx, "globex"))
	globexStats, err = r.eng.Stats(ctx, "globex")
	require.NoError(t, err)
	require.EqualValues(t, 1, globexStats.TotalSent)
}

func TestEngineImmediateActivation(t *testing.T) {
	r := newRig(t, engine.Config{SlotsPerTenant: 1})
	ctx := context.Background()
	r.connect(t, "acme", 1)
	require.NoError(t, r.eng.ConfigureCadence(ctx, "acme", fastPolicy()))

	_, err := r.eng.Distribute(ctx, "acme", []string{"+100"}, store.PriorityNormal, nil)
	require.NoError(t, err)

	// Tenant omitted: resolution falls back to the recipient's association.
	tid, err := r.eng.ActivateImmediate(ctx, "", "+100")
	require.NoError(t, err)
	require.Equal(t, "acme", tid)

	require.Eventually(t, func() bool {
		sent := r.drv.Sent(driver.SlotID{Tenant: "acme", Slot: 1})
		return len(sent) == 1 && sent[0] == "+100"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngineStructuralErrors(t *testing.T) {
	r := newRig(t, engine.Config{SlotsPerTenant: 1})
	ctx := context.Background()

	// No pool yet: distribution has nowhere to go.
	_, err := r.eng.Distribute(ctx, "acme", []string{"+1"}, store.PriorityNormal, nil)
	require.ErrorIs(t, err, engine.ErrNoEligibleSlots)

	_, err = r.eng.ActivateImmediate(ctx, "", "+nobody")
	require.ErrorIs(t, err, engine.ErrTenantUnresolved)

	r.connect(t, "acme", 1)
	_, err = r.eng.ActivateImmediate(ctx, "acme", "+stranger")
	require.ErrorIs(t, err, engine.ErrRecipientNotOwned)

	// Nothing reached the wire during any of the failed checks.
	require.Empty(t, r.drv.Sent(driver.SlotID{Tenant: "acme", Slot: 1}))
}

func TestEngineDisconnectReassignsQueue(t *testing.T) {
	r := newRig(t, engine.Config{SlotsPerTenant: 2})
	ctx := context.Background()
	r.connect(t, "acme", 2)
	require.NoError(t, r.eng.ConfigureCadence(ctx, "acme", fastPolicy()))

	_, err := r.eng.Distribute(ctx, "acme", []string{"+1", "+2", "+3", "+4"}, store.PriorityNormal, nil)
	require.NoError(t, err)

	require.NoError(t, r.eng.DisconnectSlot(ctx, "acme", 1))

	infos := r.eng.SlotInfo("acme")
	require.Len(t, infos, 2)
	require.Equal(t, slot.Disconnected, infos[0].State)
	require.Equal(t, slot.Connected, infos[1].State)

	// Every assignment survived the disconnect and moved to the live slot.
	queued, err := r.st.ListQueued(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, queued, 4)
	for _, a := range queued {
		require.Equal(t, 2, a.Slot)
	}

	require.NoError(t, r.eng.ProcessCadence(ctx, "acme"))
	require.Len(t, r.drv.Sent(driver.SlotID{Tenant: "acme", Slot: 2}), 4)
}

func TestEngineRemoveFromCadence(t *testing.T) {
	r := newRig(t, engine.Config{SlotsPerTenant: 1})
	ctx := context.Background()
	r.connect(t, "acme", 1)
	require.NoError(t, r.eng.ConfigureCadence(ctx, "acme", fastPolicy()))

	_, err := r.eng.Distribute(ctx, "acme", []string{"+1", "+2"}, store.PriorityNormal, nil)
	require.NoError(t, err)

	require.NoError(t, r.eng.RemoveFromCadence(ctx, "acme", "+1"))
	queued, err := r.eng.IsQueued(ctx, "+1")
	require.NoError(t, err)
	require.False(t, queued)

	require.NoError(t, r.eng.ProcessCadence(ctx, "acme"))
	sent := r.drv.Sent(driver.SlotID{Tenant: "acme", Slot: 1})
	require.Equal(t, []string{"+2"}, sent)
}
