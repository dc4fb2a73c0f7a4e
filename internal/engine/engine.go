package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"slotcast/internal/cadence"
	"slotcast/internal/dispatch"
	"slotcast/internal/driver"
	"slotcast/internal/eventbus"
	"slotcast/internal/slot"
	"slotcast/internal/stats"
	"slotcast/internal/store"
	"slotcast/internal/tenant"
	logx "slotcast/pkg/logx"
)

// Structural errors surfaced by the control API. Transient driver errors
// never escape the scheduler; these always do.
var (
	ErrNoEligibleSlots   = dispatch.ErrNoEligibleSlots
	ErrTenantUnresolved  = tenant.ErrUnresolved
	ErrNoActiveSlot      = cadence.ErrNoActiveSlot
	ErrRecipientNotOwned = cadence.ErrRecipientNotOwned
)

// TenantConfig declares one provisioned tenant.
type TenantConfig struct {
	ID      string
	Slots   int
	Drivers []string // fallback order; empty means the registry default
}

// MaintenanceConfig controls the background pruning job.
type MaintenanceConfig struct {
	// Spec is a cron expression; empty disables maintenance.
	Spec string
	// Retention for terminal assignments. Default 7 days.
	Retention time.Duration
	// AssociationTTL for recipient-tenant associations. Default 90 days.
	AssociationTTL time.Duration
}

// Config assembles the engine.
type Config struct {
	// SlotsPerTenant is the pool size for tenants that do not set one.
	SlotsPerTenant int
	Slot           slot.Config
	Cadence        cadence.Config
	Maintenance    MaintenanceConfig
	Tenants        []TenantConfig
}

func (c Config) withDefaults() Config {
	if c.SlotsPerTenant <= 0 {
		c.SlotsPerTenant = 3
	}
	if c.Maintenance.Retention <= 0 {
		c.Maintenance.Retention = 7 * 24 * time.Hour
	}
	if c.Maintenance.AssociationTTL <= 0 {
		c.Maintenance.AssociationTTL = 90 * 24 * time.Hour
	}
	return c
}

// Engine is the control surface of the dispatch core. Every operation is
// keyed by tenant; no call scoped to one tenant can observe another's
// slots, queues, or counters.
type Engine struct {
	cfg Config
	st  store.Store
	reg *driver.Registry
	bus eventbus.Bus
	log logx.Logger

	slots    *slot.Manager
	dist     *dispatch.Distributor
	sched    *cadence.Scheduler
	resolver *tenant.Resolver
	tracker  *stats.Tracker

	cron *cron.Cron
	wg   sync.WaitGroup
}

func New(cfg Config, st store.Store, reg *driver.Registry, bus eventbus.Bus, log logx.Logger) (*Engine, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = eventbus.New()
	}

	e := &Engine{cfg: cfg, st: st, reg: reg, bus: bus, log: log}
	e.slots = slot.NewManager(cfg.Slot, reg, st, bus, log.With(logx.String("comp", "slot")))
	e.dist = dispatch.New(st, e.slots, log.With(logx.String("comp", "dispatch")))
	e.resolver = tenant.NewResolver(st)
	e.sched = cadence.NewScheduler(cfg.Cadence, st, e.slots, e.dist, e.resolver, bus, log.With(logx.String("comp", "cadence")))
	e.tracker = stats.NewTracker(st, e.slots, bus, log.With(logx.String("comp", "stats")))

	// Operator disconnects hand the slot's queue back to the distributor.
	e.slots.SetPurgeFunc(func(ctx context.Context, tenantID string, slotNumber int) {
		e.dist.Purge(ctx, tenantID, slotNumber)
	})

	for _, t := range cfg.Tenants {
		if len(t.Drivers) > 0 {
			if err := reg.SetTenantOrder(t.ID, t.Drivers); err != nil {
				return nil, fmt.Errorf("tenant %s: %w", t.ID, err)
			}
		}
	}

	if spec := cfg.Maintenance.Spec; spec != "" {
		e.cron = cron.New()
		if _, err := e.cron.AddFunc(spec, e.runMaintenance); err != nil {
			return nil, fmt.Errorf("maintenance spec: %w", err)
		}
		e.cron.Start()
	}
	return e, nil
}

// InitSlots creates the tenant's slot pool and kicks off connection
// attempts for every slot. Connects are asynchronous: pairing is
// user-mediated, so completion arrives via bus events, not this call.
func (e *Engine) InitSlots(ctx context.Context, tenantID string) error {
	size := e.cfg.SlotsPerTenant
	for _, t := range e.cfg.Tenants {
		if t.ID == tenantID && t.Slots > 0 {
			size = t.Slots
		}
	}
	pool := e.slots.InitPool(tenantID, size)
	for _, n := range pool.Numbers() {
		n := n
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.slots.Connect(context.WithoutCancel(ctx), tenantID, n); err != nil {
				e.log.Warn("slot connect failed", logx.String("tenant", tenantID),
					logx.Int("slot", n), logx.Err(err))
			}
		}()
	}
	return nil
}

// ConnectSlot synchronously connects one slot (blocks through pairing).
func (e *Engine) ConnectSlot(ctx context.Context, tenantID string, slotNumber int) error {
	return e.slots.Connect(ctx, tenantID, slotNumber)
}

// DisconnectSlot is the operator-initiated disconnect: no auto-reconnect,
// and the slot's queued assignments are reassigned, never dropped.
func (e *Engine) DisconnectSlot(ctx context.Context, tenantID string, slotNumber int) error {
	return e.slots.Disconnect(ctx, tenantID, slotNumber, true)
}

// ConfigureCadence stores the tenant's pacing policy. The scheduler reads
// it on every tick, so changes take effect immediately.
func (e *Engine) ConfigureCadence(ctx context.Context, tenantID string, cfg store.CadenceConfig) error {
	return e.st.PutCadenceConfig(ctx, tenantID, cfg.Normalized())
}

// Distribute assigns recipients to eligible slots and activates the
// tenant's cadence. Fails whole with ErrNoEligibleSlots when the tenant has
// no Connected slot.
func (e *Engine) Distribute(ctx context.Context, tenantID string, recipients []string, priority store.Priority, payload []byte) ([]store.Assignment, error) {
	if priority == "" {
		priority = store.PriorityNormal
	}
	out, err := e.dist.Distribute(ctx, tenantID, recipients, priority, payload)
	if err != nil {
		return nil, err
	}
	if err := e.sched.EnsureActive(ctx, tenantID); err != nil {
		return out, err
	}
	return out, nil
}

// ActivateImmediate triggers the immediate-burst path for one recipient.
// Pass tenantID "" to resolve ownership from the recipient. All validation
// happens synchronously before any send; the returned error is one of the
// structural reasons (ErrTenantUnresolved, ErrNoActiveSlot,
// ErrRecipientNotOwned) or nil.
func (e *Engine) ActivateImmediate(ctx context.Context, tenantID, recipient string) (string, error) {
	return e.sched.Activate(ctx, tenantID, recipient)
}

// ProcessCadence runs one batch synchronously (manual tick).
func (e *Engine) ProcessCadence(ctx context.Context, tenantID string) error {
	return e.sched.ProcessTick(ctx, tenantID)
}

// StopCadence deactivates the tenant's loop. The in-flight batch finishes;
// queued assignments remain queued.
func (e *Engine) StopCadence(ctx context.Context, tenantID string) error {
	return e.sched.Stop(ctx, tenantID)
}

// RemoveFromCadence cancels outreach to a recipient who replied.
func (e *Engine) RemoveFromCadence(ctx context.Context, tenantID, recipient string) error {
	return e.sched.Remove(ctx, tenantID, recipient)
}

// IsQueued probes whether a recipient is in any active cadence.
func (e *Engine) IsQueued(ctx context.Context, recipient string) (bool, error) {
	return e.sched.IsQueued(ctx, recipient)
}

// Stats returns the tenant's true counters.
func (e *Engine) Stats(ctx context.Context, tenantID string) (stats.Stats, error) {
	return e.tracker.Snapshot(ctx, tenantID)
}

// SlotInfo lists the tenant's slots.
func (e *Engine) SlotInfo(tenantID string) []slot.Info {
	p, ok := e.slots.Pool(tenantID)
	if !ok {
		return nil
	}
	return p.Snapshots()
}

func (e *Engine) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n, err := e.st.PruneTerminal(ctx, time.Now().Add(-e.cfg.Maintenance.Retention)); err != nil {
		e.log.Error("maintenance: prune terminal failed", logx.Err(err))
	} else if n > 0 {
		e.log.Info("maintenance: terminal assignments pruned", logx.Int("count", n))
	}
	if n, err := e.st.PruneAssociations(ctx, time.Now().Add(-e.cfg.Maintenance.AssociationTTL)); err != nil {
		e.log.Error("maintenance: prune associations failed", logx.Err(err))
	} else if n > 0 {
		e.log.Info("maintenance: associations pruned", logx.Int("count", n))
	}
}

// Close stops cadence loops, tears down driver sessions, and shuts the
// stats consumer and the maintenance cron. The store is owned by the
// caller. Closing the slot manager cancels in-flight connects, so the
// wait on the connect goroutines is bounded.
func (e *Engine) Close() {
	if e.cron != nil {
		e.cron.Stop()
	}
	e.sched.Close()
	e.slots.Close()
	e.wg.Wait()
	e.tracker.Close()
}

// Tracker exposes the stats tracker (metrics endpoint wiring).
func (e *Engine) Tracker() *stats.Tracker { return e.tracker }
