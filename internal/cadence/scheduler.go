package cadence

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slotcast/internal/dispatch"
	"slotcast/internal/eventbus"
	"slotcast/internal/slot"
	"slotcast/internal/store"
	"slotcast/internal/tenant"
	logx "slotcast/pkg/logx"
)

// Scheduler owns one background pacing loop per tenant. Loops tick
// independently and stop independently, so one tenant's cadence can never
// starve or block another's.
type Scheduler struct {
	cfg      Config
	st       store.Store
	slots    *slot.Manager
	dist     *dispatch.Distributor
	resolver *tenant.Resolver
	bus      eventbus.Bus
	log      logx.Logger

	mu       sync.Mutex
	runners  map[string]*runner
	inflight map[string]struct{} // immediate activations being processed
	closed   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// runner is the per-tenant loop state. batchMu serializes batches from the
// ticker, manual ticks, and immediate triggers; stateMu guards run-state
// read-modify-write. Neither is ever held across driver I/O together with
// any other tenant's locks.
type runner struct {
	tenant   string
	kick     chan string
	stop     chan struct{}
	batchMu  sync.Mutex
	stateMu  sync.Mutex
	adaptive *adaptiveState
}

func NewScheduler(cfg Config, st store.Store, slots *slot.Manager, dist *dispatch.Distributor, resolver *tenant.Resolver, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		st:       st,
		slots:    slots,
		dist:     dist,
		resolver: resolver,
		bus:      bus,
		log:      log,
		runners:  map[string]*runner{},
		inflight: map[string]struct{}{},
		closed:   make(chan struct{}),
	}
}

// Close stops every loop and waits for in-flight batches to finish.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.closed) })
	s.wg.Wait()
}

func (s *Scheduler) ensureRunner(tenantID string) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[tenantID]; ok {
		return r
	}
	r := &runner{
		tenant:   tenantID,
		kick:     make(chan string, 16),
		stop:     make(chan struct{}),
		adaptive: newAdaptive(s.cfg.AdaptiveWindow, s.cfg.AdaptiveMaxFactor),
	}
	s.runners[tenantID] = r
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(r)
	}()
	s.log.Debug("cadence loop started", logx.String("tenant", tenantID))
	return r
}

func (s *Scheduler) loop(r *runner) {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-r.stop:
			return
		case recipient := <-r.kick:
			s.runImmediate(r, recipient)
		case <-t.C:
			s.runBatch(context.Background(), r)
		}
	}
}

// EnsureActive marks the tenant's cadence active and guarantees its loop is
// running. Called when work is distributed.
func (s *Scheduler) EnsureActive(ctx context.Context, tenantID string) error {
	r := s.ensureRunner(tenantID)
	return s.setActive(ctx, r, true)
}

// Stop marks the tenant's cadence inactive. Any in-flight batch finishes;
// no new batch starts; queued assignments remain queued and resumable.
func (s *Scheduler) Stop(ctx context.Context, tenantID string) error {
	r := s.ensureRunner(tenantID)
	if err := s.setActive(ctx, r, false); err != nil {
		return err
	}
	// Stopping ends immediate mode; a later start resumes normal pacing.
	if pcfg, ok, err := s.st.CadenceConfig(ctx, tenantID); err != nil {
		return err
	} else if ok && pcfg.ImmediateMode {
		pcfg.ImmediateMode = false
		if err := s.st.PutCadenceConfig(ctx, tenantID, pcfg); err != nil {
			return err
		}
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCadenceStopped, Tenant: tenantID})
	s.log.Info("cadence stopped", logx.String("tenant", tenantID))
	return nil
}

// ProcessTick runs one batch synchronously. Exposed for operability: a
// stopped cadence can be nudged without reactivating the background pacing.
func (s *Scheduler) ProcessTick(ctx context.Context, tenantID string) error {
	r := s.ensureRunner(tenantID)
	return s.processBatch(ctx, r, true)
}

func (s *Scheduler) runBatch(ctx context.Context, r *runner) {
	if err := s.processBatch(ctx, r, false); err != nil {
		s.log.Error("cadence batch failed", logx.String("tenant", r.tenant), logx.Err(err))
	}
}

// processBatch drains up to batchSize queued assignments, pacing sends with
// the effective delay. When force is true the batch runs even if the
// cadence is marked inactive (manual tick).
func (s *Scheduler) processBatch(ctx context.Context, r *runner, force bool) error {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	pcfg, _, err := s.st.CadenceConfig(ctx, r.tenant)
	if err != nil {
		return err
	}
	pcfg = pcfg.Normalized()

	st, err := s.st.RunState(ctx, r.tenant)
	if err != nil {
		return err
	}
	if !st.Active && !force {
		return nil
	}

	// Rebind anything a disconnected slot left behind before draining.
	if _, err := s.dist.Reassign(ctx, r.tenant); err != nil {
		s.log.Warn("reassign before batch failed", logx.String("tenant", r.tenant), logx.Err(err))
	}

	batch, err := s.st.ListQueued(ctx, r.tenant, pcfg.BatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return s.touchTick(ctx, r)
	}

	delay := s.effectiveDelay(r, pcfg)
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	s.log.Debug("cadence batch", logx.String("tenant", r.tenant),
		logx.Int("size", len(batch)), logx.Duration("delay", delay))

	for _, a := range batch {
		select {
		case <-s.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		s.sendAssignment(ctx, r, a, pcfg)
	}
	return s.touchTick(ctx, r)
}

// runImmediate bypasses tick pacing for one recipient: the send starts
// within the tenant's base delay of the trigger. Remaining queued work
// falls back to ticked pacing.
func (s *Scheduler) runImmediate(r *runner, recipient string) {
	defer s.clearInflight(r.tenant, recipient)

	ctx := context.Background()
	pcfg, _, err := s.st.CadenceConfig(ctx, r.tenant)
	if err != nil {
		s.log.Error("immediate: config read failed", logx.String("tenant", r.tenant), logx.Err(err))
		return
	}
	pcfg = pcfg.Normalized()

	t := time.NewTimer(pcfg.BaseDelay)
	defer t.Stop()
	select {
	case <-s.closed:
		return
	case <-t.C:
	}

	r.batchMu.Lock()
	defer r.batchMu.Unlock()

	a, ok, err := s.st.ActiveAssignment(ctx, r.tenant, recipient)
	if err != nil || !ok {
		if err != nil {
			s.log.Error("immediate: assignment read failed", logx.String("tenant", r.tenant), logx.Err(err))
		}
		return
	}
	if a.Slot == 0 {
		if _, err := s.dist.Reassign(ctx, r.tenant); err != nil {
			s.log.Warn("immediate: reassign failed", logx.String("tenant", r.tenant), logx.Err(err))
		}
		if a, ok, err = s.st.ActiveAssignment(ctx, r.tenant, recipient); err != nil || !ok || a.Slot == 0 {
			return
		}
	}
	s.sendAssignment(ctx, r, a, pcfg)
}

// Activate performs the immediate-trigger pre-checks synchronously, before
// anything is sent:
//
//  1. resolve the owning tenant when not supplied (most recent association wins)
//  2. the tenant must have at least one Connected slot
//  3. the recipient must be a member of the tenant's recipient set
//
// Only after all checks pass is the send kicked. Returns the resolved
// tenant. A duplicate activation for the same (tenant, recipient) while one
// is still being processed coalesces into the existing run.
func (s *Scheduler) Activate(ctx context.Context, tenantID, recipient string) (string, error) {
	if tenantID == "" {
		t, err := s.resolver.Resolve(ctx, recipient)
		if err != nil {
			return "", err
		}
		tenantID = t
	}

	if len(s.slots.Eligible(tenantID)) == 0 {
		return tenantID, ErrNoActiveSlot
	}
	member, err := s.resolver.IsMember(ctx, tenantID, recipient)
	if err != nil {
		return tenantID, err
	}
	if !member {
		return tenantID, ErrRecipientNotOwned
	}

	if !s.markInflight(tenantID, recipient) {
		s.log.Debug("immediate activation coalesced",
			logx.String("tenant", tenantID), logx.String("recipient", recipient))
		return tenantID, nil
	}

	// Queue the recipient (idempotent) at immediate priority.
	a, ok, err := s.st.ActiveAssignment(ctx, tenantID, recipient)
	if err != nil {
		s.clearInflight(tenantID, recipient)
		return tenantID, err
	}
	if ok {
		if a.Priority != store.PriorityImmediate {
			a.Priority = store.PriorityImmediate
			a.UpdatedAt = time.Now()
			if err := s.st.PutAssignment(ctx, a); err != nil {
				s.clearInflight(tenantID, recipient)
				return tenantID, err
			}
		}
	} else {
		if _, err := s.dist.Distribute(ctx, tenantID, []string{recipient}, store.PriorityImmediate, nil); err != nil {
			s.clearInflight(tenantID, recipient)
			return tenantID, err
		}
	}

	// Activation flips the tenant into immediate mode: the rest of the
	// queue is paced at the immediate delay until the cadence stops.
	pcfg, _, err := s.st.CadenceConfig(ctx, tenantID)
	if err != nil {
		s.clearInflight(tenantID, recipient)
		return tenantID, err
	}
	if !pcfg.ImmediateMode {
		pcfg.ImmediateMode = true
		if err := s.st.PutCadenceConfig(ctx, tenantID, pcfg.Normalized()); err != nil {
			s.clearInflight(tenantID, recipient)
			return tenantID, err
		}
	}

	r := s.ensureRunner(tenantID)
	if err := s.setActive(ctx, r, true); err != nil {
		s.clearInflight(tenantID, recipient)
		return tenantID, err
	}
	select {
	case r.kick <- recipient:
	default:
		// Kick queue full: the recipient is queued at immediate priority,
		// so the next batch picks it up first.
		s.clearInflight(tenantID, recipient)
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCadenceStarted, Tenant: tenantID, Data: recipient})
	return tenantID, nil
}

// Remove cancels a recipient's live assignment (they replied, no further
// outreach). Deactivates the cadence when the queue empties.
func (s *Scheduler) Remove(ctx context.Context, tenantID, recipient string) error {
	a, ok, err := s.st.ActiveAssignment(ctx, tenantID, recipient)
	if err != nil || !ok {
		return err
	}
	a.Status = store.StatusCancelled
	a.UpdatedAt = time.Now()
	if err := s.st.PutAssignment(ctx, a); err != nil {
		return err
	}
	s.log.Info("recipient removed from cadence",
		logx.String("tenant", tenantID), logx.String("recipient", recipient))

	queued, err := s.st.ListQueued(ctx, tenantID, 1)
	if err != nil {
		return err
	}
	unbound, err := s.st.ListUnbound(ctx, tenantID)
	if err != nil {
		return err
	}
	if len(queued) == 0 && len(unbound) == 0 {
		r := s.ensureRunner(tenantID)
		return s.setActive(ctx, r, false)
	}
	return nil
}

// IsQueued reports whether the recipient has a live assignment with its
// owning tenant.
func (s *Scheduler) IsQueued(ctx context.Context, recipient string) (bool, error) {
	t, err := s.resolver.Resolve(ctx, recipient)
	if err != nil {
		if errors.Is(err, tenant.ErrUnresolved) {
			return false, nil
		}
		return false, err
	}
	_, ok, err := s.st.ActiveAssignment(ctx, t, recipient)
	return ok, err
}

// sendAssignment attempts one assignment with the per-send retry policy:
// up to maxRetries attempts with a short fixed backoff, then exhausted.
func (s *Scheduler) sendAssignment(ctx context.Context, r *runner, a store.Assignment, pcfg store.CadenceConfig) {
	for {
		_, err := s.slots.Send(ctx, a.Tenant, a.Slot, a.Recipient, a.Payload)
		now := time.Now()
		if err == nil {
			a.Status = store.StatusSent
			a.Attempts++
			a.UpdatedAt = now
			if perr := s.st.PutAssignment(ctx, a); perr != nil {
				s.log.Error("assignment persist failed", logx.String("tenant", a.Tenant), logx.Err(perr))
			}
			r.adaptive.record(now, true)
			s.addTotals(ctx, r, 1, 0)
			s.publishOutcome(a, nil)
			return
		}

		// A slot that vanished mid-batch is not the recipient's fault: push
		// the assignment back for rebinding instead of burning retries.
		if errors.Is(err, slot.ErrNotConnected) || errors.Is(err, slot.ErrUnknownSlot) {
			a.Slot = 0
			a.Status = store.StatusQueued
			a.UpdatedAt = now
			if perr := s.st.PutAssignment(ctx, a); perr != nil {
				s.log.Error("assignment unbind failed", logx.String("tenant", a.Tenant), logx.Err(perr))
			}
			if _, rerr := s.dist.Reassign(ctx, a.Tenant); rerr != nil {
				s.log.Warn("reassign failed", logx.String("tenant", a.Tenant), logx.Err(rerr))
			}
			return
		}

		a.Attempts++
		a.LastError = err.Error()
		a.UpdatedAt = now
		r.adaptive.record(now, false)

		if a.Attempts >= pcfg.MaxRetries {
			a.Status = store.StatusExhausted
			if perr := s.st.PutAssignment(ctx, a); perr != nil {
				s.log.Error("assignment persist failed", logx.String("tenant", a.Tenant), logx.Err(perr))
			}
			// Exhaustion counts once, not once per retry.
			s.addTotals(ctx, r, 0, 1)
			s.publishOutcome(a, ErrSendExhausted)
			s.log.Warn("assignment exhausted", logx.String("tenant", a.Tenant),
				logx.String("recipient", a.Recipient), logx.Int("attempts", a.Attempts), logx.Err(err))
			return
		}

		a.Status = store.StatusFailed
		if perr := s.st.PutAssignment(ctx, a); perr != nil {
			s.log.Error("assignment persist failed", logx.String("tenant", a.Tenant), logx.Err(perr))
		}
		t := time.NewTimer(s.cfg.RetryBackoff)
		select {
		case <-s.closed:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Scheduler) effectiveDelay(r *runner, pcfg store.CadenceConfig) time.Duration {
	delay := pcfg.BaseDelay
	// Immediate mode trades pacing for latency until the cadence stops.
	if pcfg.ImmediateMode && s.cfg.ImmediateDelay < delay {
		delay = s.cfg.ImmediateDelay
	}
	if pcfg.AdaptiveMode {
		delay *= time.Duration(r.adaptive.Factor())
	}
	return delay
}

func (s *Scheduler) setActive(ctx context.Context, r *runner, active bool) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	st, err := s.st.RunState(ctx, r.tenant)
	if err != nil {
		return err
	}
	if st.Active == active {
		return nil
	}
	st.Active = active
	return s.st.PutRunState(ctx, r.tenant, st)
}

func (s *Scheduler) addTotals(ctx context.Context, r *runner, sent, errs int64) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	st, err := s.st.RunState(ctx, r.tenant)
	if err != nil {
		s.log.Error("run state read failed", logx.String("tenant", r.tenant), logx.Err(err))
		return
	}
	st.TotalSent += sent
	st.TotalErrors += errs
	if err := s.st.PutRunState(ctx, r.tenant, st); err != nil {
		s.log.Error("run state write failed", logx.String("tenant", r.tenant), logx.Err(err))
	}
}

func (s *Scheduler) touchTick(ctx context.Context, r *runner) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	st, err := s.st.RunState(ctx, r.tenant)
	if err != nil {
		return err
	}
	st.LastTickAt = time.Now()
	return s.st.PutRunState(ctx, r.tenant, st)
}

func (s *Scheduler) markInflight(tenantID, recipient string) bool {
	key := tenantID + "\x00" + recipient
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.inflight[key]; dup {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) clearInflight(tenantID, recipient string) {
	s.mu.Lock()
	delete(s.inflight, tenantID+"\x00"+recipient)
	s.mu.Unlock()
}

func (s *Scheduler) publishOutcome(a store.Assignment, err error) {
	if s.bus == nil {
		return
	}
	o := Outcome{Recipient: a.Recipient, Slot: a.Slot, Status: string(a.Status), Attempts: a.Attempts}
	if err != nil {
		o.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSendOutcome, Tenant: a.Tenant, Data: o})
}
