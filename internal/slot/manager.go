package slot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"slotcast/internal/driver"
	"slotcast/internal/eventbus"
	"slotcast/internal/store"
	logx "slotcast/pkg/logx"
)

var (
	ErrUnknownTenant = errors.New("tenant has no slot pool")
	ErrUnknownSlot   = errors.New("no such slot")
	ErrNotConnected  = errors.New("slot is not connected")
	ErrBusy          = errors.New("slot connect already in progress")
)

// Config tunes the connection manager. Zero fields take defaults.
type Config struct {
	// ConnectTimeout bounds one driver's connect+auth attempt.
	ConnectTimeout time.Duration
	// BackoffBase/BackoffMax bound the reconnect schedule after an
	// unintended disconnect.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// DegradedAfter consecutive send failures inside DegradedWindow move a
	// Connected slot to Degraded; the same again tears it down.
	DegradedAfter  int
	DegradedWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 45 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Minute
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 3
	}
	if c.DegradedWindow <= 0 {
		c.DegradedWindow = 30 * time.Second
	}
	return c
}

// PurgeFunc is invoked after an operator disconnect so queued assignments
// bound to the slot go back to the distributor instead of being dropped.
type PurgeFunc func(ctx context.Context, tenantID string, slot int)

// Manager owns every tenant's slot pool and drives the per-slot state
// machine: connect with driver fallback, reconnect with bounded backoff,
// degradation on repeated send failures.
type Manager struct {
	cfg Config
	reg *driver.Registry
	st  store.Store
	bus eventbus.Bus
	log logx.Logger

	onPurge PurgeFunc

	mu     sync.Mutex
	pools  map[string]*Pool
	closed chan struct{}
	wg     sync.WaitGroup
}

func NewManager(cfg Config, reg *driver.Registry, st store.Store, bus eventbus.Bus, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:    cfg.withDefaults(),
		reg:    reg,
		st:     st,
		bus:    bus,
		log:    log,
		pools:  map[string]*Pool{},
		closed: make(chan struct{}),
	}
}

// SetPurgeFunc wires the distributor's requeue hook. Must be called before
// any disconnect can happen; the engine does this during bootstrap.
func (m *Manager) SetPurgeFunc(f PurgeFunc) { m.onPurge = f }

// InitPool creates (or returns) the tenant's pool with the given size.
// Slots start Disconnected; connecting is a separate, explicit call.
func (m *Manager) InitPool(tenantID string, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[tenantID]; ok {
		return p
	}
	p := newPool(tenantID, size)
	m.pools[tenantID] = p
	m.log.Info("slot pool initialized", logx.String("tenant", tenantID), logx.Int("slots", size))
	return p
}

// Pool returns the tenant's pool, if initialized.
func (m *Manager) Pool(tenantID string) (*Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[tenantID]
	return p, ok
}

// Eligible returns the tenant's slot numbers currently able to carry
// traffic. The read reflects the latest state transition: eligibility is
// computed from live slot state under each slot's own lock.
func (m *Manager) Eligible(tenantID string) []int {
	p, ok := m.Pool(tenantID)
	if !ok {
		return nil
	}
	return p.Eligible()
}

// Close stops reconnect loops, tears down every live driver session, and
// waits for the watchers to drain. Shutdown is not a manual disconnect:
// nothing is purged, and slots reconnect from their persisted auth blobs
// on the next start.
func (m *Manager) Close() {
	m.mu.Lock()
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		for _, s := range p.slots {
			m.teardown(s)
		}
	}
	m.wg.Wait()
}

// teardown cancels a slot's in-flight connect and closes its active driver
// session so no session goroutine outlives Close.
func (m *Manager) teardown(s *Slot) {
	s.mu.Lock()
	cancel := s.connCancel
	s.connCancel = nil
	d := s.active
	s.active = nil
	s.events = nil
	s.state = Disconnected
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if d != nil {
		_ = d.Disconnect(context.Background(), s.id)
	}
}

func (m *Manager) lookup(tenantID string, n int) (*Slot, error) {
	p, ok := m.Pool(tenantID)
	if !ok {
		return nil, ErrUnknownTenant
	}
	s, ok := p.slot(n)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnknownSlot, tenantID, n)
	}
	return s, nil
}

// Connect walks the tenant's driver fallback order until one driver
// authenticates the slot. Total failure is reported only after every
// configured driver has been tried.
func (m *Manager) Connect(ctx context.Context, tenantID string, n int) error {
	s, err := m.lookup(tenantID, n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == Connecting || s.state == AwaitingAuth {
		s.mu.Unlock()
		return ErrBusy
	}
	if s.state == Connected {
		s.mu.Unlock()
		return nil
	}
	s.state = Connecting
	s.manuallyDisconnected = false
	s.pairing = nil
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.connCancel = cancel
	s.mu.Unlock()
	m.publishState(s)

	drivers := m.reg.FallbackOrder(tenantID)
	if len(drivers) == 0 {
		m.toDisconnected(s, false)
		return fmt.Errorf("no drivers configured for tenant %s", tenantID)
	}

	var lastErr error
	for _, d := range drivers {
		select {
		case <-connCtx.Done():
			m.toDisconnected(s, false)
			return connCtx.Err()
		case <-m.closed:
			m.toDisconnected(s, false)
			return errors.New("slot manager closed")
		default:
		}

		err := m.connectWith(connCtx, s, d)
		if err == nil {
			return nil
		}
		lastErr = err
		m.log.Warn("driver connect failed, trying next",
			logx.String("slot", s.id.String()), logx.String("driver", d.Name()), logx.Err(err))

		// A rejected auth blob is stale; drop it so the next attempt pairs fresh.
		if driver.IsAuthRejected(err) {
			_ = m.st.DeleteAuthBlob(context.Background(), tenantID, n, d.Name())
		}
	}

	m.toDisconnected(s, false)
	m.maybeScheduleReconnect(s)
	return fmt.Errorf("all drivers exhausted for %s: %w", s.id, lastErr)
}

// connectWith runs one driver's connect+auth attempt, bounded by
// cfg.ConnectTimeout.
func (m *Manager) connectWith(ctx context.Context, s *Slot, d driver.Driver) error {
	attempt, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	blob, _, err := m.st.AuthBlob(attempt, s.id.Tenant, s.id.Slot, d.Name())
	if err != nil {
		m.log.Warn("auth blob load failed", logx.String("slot", s.id.String()), logx.Err(err))
	}

	events, err := d.Connect(attempt, s.id, blob)
	if err != nil {
		return err
	}

	for {
		select {
		case <-attempt.Done():
			_ = d.Disconnect(context.Background(), s.id)
			return driver.Errf(driver.KindUnreachable, d.Name(), "connect", attempt.Err())
		case ev, ok := <-events:
			if !ok {
				return driver.Errf(driver.KindUnreachable, d.Name(), "connect", errors.New("event stream closed before auth"))
			}
			switch ev.Type {
			case driver.EventPairing:
				s.mu.Lock()
				s.state = AwaitingAuth
				s.pairing = append([]byte(nil), ev.Artifact...)
				s.mu.Unlock()
				m.publishState(s)
				m.bus.Publish(eventbus.Event{
					Type:   eventbus.TypeSlotPairing,
					Tenant: s.id.Tenant,
					Data:   PairingEvent{Slot: s.id.Slot, Driver: d.Name(), Artifact: ev.Artifact},
				})
			case driver.EventAuthenticated:
				m.becomeConnected(s, d, events, ev.Identity)
				return nil
			case driver.EventClosed:
				if ev.Err != nil {
					return ev.Err
				}
				return driver.Errf(driver.KindUnreachable, d.Name(), "connect", errors.New("closed during auth"))
			case driver.EventStateChanged:
				m.log.Debug("driver state", logx.String("slot", s.id.String()),
					logx.String("driver", d.Name()), logx.String("state", ev.State))
			}
		}
	}
}

// PairingEvent is published on the bus when a driver emits an auth artifact.
// The artifact is opaque and passed through verbatim.
type PairingEvent struct {
	Slot     int
	Driver   string
	Artifact []byte
}

func (m *Manager) becomeConnected(s *Slot, d driver.Driver, events <-chan driver.Event, identity string) {
	s.mu.Lock()
	s.state = Connected
	s.active = d
	s.driverName = d.Name()
	s.identity = identity
	s.pairing = nil
	s.lastActivityAt = time.Now()
	s.reconnects = 0
	s.failures = s.failures[:0]
	s.events = events
	s.mu.Unlock()
	m.publishState(s)
	m.log.Info("slot connected", logx.String("slot", s.id.String()),
		logx.String("driver", d.Name()), logx.String("identity", identity))

	// Sessions survive restarts: persist whatever the driver can export.
	if exp, ok := d.(driver.AuthExporter); ok {
		if blob, ok := exp.ExportAuth(s.id); ok {
			if err := m.st.PutAuthBlob(context.Background(), s.id.Tenant, s.id.Slot, d.Name(), blob); err != nil {
				m.log.Warn("auth blob persist failed", logx.String("slot", s.id.String()), logx.Err(err))
			}
		}
	}

	// Connects racing Close must not leave the session behind: the watcher
	// only starts while the manager is open, checked under the same lock
	// Close holds when it flips closed.
	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		m.teardown(s)
		return
	default:
		m.wg.Add(1)
	}
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		m.watch(s, d, events)
	}()
}

// watch consumes the driver's event stream after a slot is connected and
// turns a driver-side close into an unintended disconnect.
func (m *Manager) watch(s *Slot, d driver.Driver, events <-chan driver.Event) {
	for {
		select {
		case <-m.closed:
			return
		case ev, ok := <-events:
			if !ok {
				m.onDriverClosed(s, d, nil)
				return
			}
			switch ev.Type {
			case driver.EventClosed:
				m.onDriverClosed(s, d, ev.Err)
				return
			case driver.EventStateChanged:
				m.log.Debug("driver state", logx.String("slot", s.id.String()),
					logx.String("driver", d.Name()), logx.String("state", ev.State))
			}
		}
	}
}

func (m *Manager) onDriverClosed(s *Slot, d driver.Driver, cause error) {
	s.mu.Lock()
	// A manual disconnect already ran its own teardown; the racing close
	// event from the driver is expected noise.
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	manual := s.manuallyDisconnected
	s.state = Disconnected
	s.active = nil
	s.events = nil
	s.mu.Unlock()
	m.publishState(s)
	m.log.Warn("slot connection closed by driver", logx.String("slot", s.id.String()),
		logx.String("driver", d.Name()), logx.Err(cause))
	if !manual {
		m.maybeScheduleReconnect(s)
	}
}

// Disconnect tears the slot down. When manual is true the slot will not
// auto-reconnect and its queued assignments are purged back to the
// distributor for reassignment.
func (m *Manager) Disconnect(ctx context.Context, tenantID string, n int, manual bool) error {
	s, err := m.lookup(tenantID, n)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if manual {
		s.manuallyDisconnected = true
	}
	cancel := s.connCancel
	s.connCancel = nil
	d := s.active
	s.active = nil
	s.events = nil
	wasDisconnected := s.state == Disconnected
	s.state = Disconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var derr error
	if d != nil {
		derr = d.Disconnect(ctx, s.id)
	}
	if !wasDisconnected {
		m.publishState(s)
	}
	if manual && m.onPurge != nil {
		m.onPurge(ctx, tenantID, n)
	}
	m.log.Info("slot disconnected", logx.String("slot", s.id.String()), logx.Bool("manual", manual))
	return derr
}

// Send executes one send through the slot's active driver. Sends on the
// same slot are strictly ordered by the per-slot gate; no tenant-wide lock
// is held across the driver call.
func (m *Manager) Send(ctx context.Context, tenantID string, n int, recipient string, payload []byte) (driver.Result, error) {
	s, err := m.lookup(tenantID, n)
	if err != nil {
		return driver.Result{}, err
	}

	if !s.acquireSend(ctx.Done()) {
		return driver.Result{}, ctx.Err()
	}
	defer s.releaseSend()

	s.mu.Lock()
	st := s.state
	d := s.active
	s.mu.Unlock()
	// Degraded slots still attempt: success is the only way back to
	// Connected without tearing the transport down.
	if d == nil || (st != Connected && st != Degraded) {
		return driver.Result{}, fmt.Errorf("%w: %s is %s", ErrNotConnected, s.id, st)
	}

	res, err := d.Send(ctx, s.id, recipient, payload)
	now := time.Now()
	if err == nil {
		s.mu.Lock()
		s.lastActivityAt = now
		recovered := s.state == Degraded
		if recovered {
			s.state = Connected
		}
		s.mu.Unlock()
		s.resetFailures()
		if recovered {
			m.publishState(s)
			m.log.Info("slot recovered from degraded", logx.String("slot", s.id.String()))
		}
		return res, nil
	}

	fails := s.recordFailure(now, m.cfg.DegradedWindow)
	if fails < m.cfg.DegradedAfter {
		return res, err
	}

	s.mu.Lock()
	switch s.state {
	case Connected:
		s.state = Degraded
		s.failures = s.failures[:0]
		s.mu.Unlock()
		m.publishState(s)
		m.log.Warn("slot degraded", logx.String("slot", s.id.String()), logx.Int("failures", fails))
	case Degraded:
		s.state = Disconnected
		d := s.active
		s.active = nil
		s.events = nil
		s.mu.Unlock()
		m.publishState(s)
		m.log.Warn("slot torn down after degraded failures", logx.String("slot", s.id.String()))
		if d != nil {
			_ = d.Disconnect(context.Background(), s.id)
		}
		m.maybeScheduleReconnect(s)
	default:
		s.mu.Unlock()
	}
	return res, err
}

// maybeScheduleReconnect starts a backoff reconnect loop for a slot that
// disconnected without the operator asking for it.
func (m *Manager) maybeScheduleReconnect(s *Slot) {
	s.mu.Lock()
	if s.manuallyDisconnected || s.state != Disconnected {
		s.mu.Unlock()
		return
	}
	s.reconnects++
	attempt := s.reconnects
	s.mu.Unlock()

	delay := m.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.BackoffMax {
			delay = m.cfg.BackoffMax
			break
		}
	}
	m.log.Info("scheduling reconnect", logx.String("slot", s.id.String()),
		logx.Int("attempt", attempt), logx.Duration("in", delay))

	m.mu.Lock()
	select {
	case <-m.closed:
		m.mu.Unlock()
		return
	default:
		m.wg.Add(1)
	}
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-m.closed:
			return
		case <-t.C:
		}
		s.mu.Lock()
		skip := s.manuallyDisconnected || s.state != Disconnected
		s.mu.Unlock()
		if skip {
			return
		}
		if err := m.Connect(context.Background(), s.id.Tenant, s.id.Slot); err != nil {
			m.log.Warn("reconnect attempt failed", logx.String("slot", s.id.String()), logx.Err(err))
		}
	}()
}

func (m *Manager) toDisconnected(s *Slot, manual bool) {
	s.mu.Lock()
	s.state = Disconnected
	if manual {
		s.manuallyDisconnected = true
	}
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.mu.Unlock()
	m.publishState(s)
}

func (m *Manager) publishState(s *Slot) {
	if m.bus == nil {
		return
	}
	info := s.Snapshot()
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeSlotState, Tenant: info.Tenant, Data: info})
}
