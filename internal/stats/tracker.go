package stats

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slotcast/internal/cadence"
	"slotcast/internal/eventbus"
	"slotcast/internal/slot"
	"slotcast/internal/store"
	logx "slotcast/pkg/logx"
)

// Stats is the per-tenant view served by the control API.
type Stats struct {
	ActiveSlots      int     `json:"activeSlots"`
	TotalConnections int     `json:"totalConnections"`
	CadenceActive    bool    `json:"cadenceActive"`
	TotalSent        int64   `json:"totalSent"`
	TotalErrors      int64   `json:"totalErrors"`
	SuccessRate      float64 `json:"successRate"`
}

// Tracker assembles per-tenant stats from the store and the slot manager,
// and mirrors engine activity to Prometheus by consuming the event bus.
// Counters always reflect persisted run state, never an assumed outcome.
type Tracker struct {
	st    store.Store
	slots *slot.Manager
	log   logx.Logger

	reg       *prometheus.Registry
	sent      *prometheus.CounterVec
	errs      *prometheus.CounterVec
	slotState *prometheus.GaugeVec
	active    *prometheus.GaugeVec

	unsub func()
	wg    sync.WaitGroup
}

func NewTracker(st store.Store, slots *slot.Manager, bus eventbus.Bus, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{
		st:    st,
		slots: slots,
		log:   log,
		reg:   prometheus.NewRegistry(),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotcast_sends_total",
			Help: "Successful sends per tenant.",
		}, []string{"tenant"}),
		errs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slotcast_send_errors_total",
			Help: "Exhausted assignments per tenant.",
		}, []string{"tenant"}),
		slotState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slotcast_slot_state",
			Help: "Slot state per tenant and slot (value encodes slot.State).",
		}, []string{"tenant", "slot"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slotcast_cadence_active",
			Help: "Whether the tenant's cadence loop is active.",
		}, []string{"tenant"}),
	}
	t.reg.MustRegister(t.sent, t.errs, t.slotState, t.active)

	if bus != nil {
		ch, unsub := bus.Subscribe(64)
		t.unsub = unsub
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.consume(ch)
		}()
	}
	return t
}

func (t *Tracker) consume(ch <-chan eventbus.Event) {
	for ev := range ch {
		t.apply(ev)
	}
}

func (t *Tracker) apply(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeSendOutcome:
		if o, ok := ev.Data.(cadence.Outcome); ok {
			switch o.Status {
			case string(store.StatusSent):
				t.sent.WithLabelValues(ev.Tenant).Inc()
			case string(store.StatusExhausted):
				t.errs.WithLabelValues(ev.Tenant).Inc()
			}
		}
	case eventbus.TypeSlotState:
		if info, ok := ev.Data.(slot.Info); ok {
			t.slotState.WithLabelValues(ev.Tenant, strconv.Itoa(info.Slot)).Set(float64(info.State))
		}
	case eventbus.TypeCadenceStarted:
		t.active.WithLabelValues(ev.Tenant).Set(1)
	case eventbus.TypeCadenceStopped:
		t.active.WithLabelValues(ev.Tenant).Set(0)
	}
}

// Snapshot builds the tenant's stats from persisted run state and live
// slot state.
func (t *Tracker) Snapshot(ctx context.Context, tenantID string) (Stats, error) {
	st, err := t.st.RunState(ctx, tenantID)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{
		CadenceActive: st.Active,
		TotalSent:     st.TotalSent,
		TotalErrors:   st.TotalErrors,
		SuccessRate:   st.SuccessRate(),
	}
	if pool, ok := t.slots.Pool(tenantID); ok {
		infos := pool.Snapshots()
		out.TotalConnections = len(infos)
		for _, i := range infos {
			if i.State.Eligible() {
				out.ActiveSlots++
			}
		}
	}
	return out, nil
}

// Handler serves the Prometheus registry.
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{})
}

func (t *Tracker) Close() {
	if t.unsub != nil {
		t.unsub()
	}
	t.wg.Wait()
}
