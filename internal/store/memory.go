package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// memoryStore keeps all state in per-tenant buckets. A bucket is created on
// first touch and never shared; methods resolve the bucket for their tenant
// and operate only inside it.
type memoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu           sync.Mutex
	assignments  map[string]Assignment // recipient -> latest assignment
	terminal     []Assignment          // finished assignments kept for pruning windows
	cadenceCfg   *CadenceConfig
	runState     CadenceRunState
	associations map[string]time.Time // recipient -> created at
	authBlobs    map[string][]byte    // "slot/driver" -> blob
}

// NewMemory returns an in-process store. Used by tests and the dev config.
func NewMemory() Store {
	return &memoryStore{buckets: map[string]*bucket{}}
}

func (m *memoryStore) bucket(tenantID string) *bucket {
	m.mu.RLock()
	b := m.buckets[tenantID]
	m.mu.RUnlock()
	if b != nil {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b = m.buckets[tenantID]; b == nil {
		b = &bucket{
			assignments:  map[string]Assignment{},
			associations: map[string]time.Time{},
			authBlobs:    map[string][]byte{},
		}
		m.buckets[tenantID] = b
	}
	return b
}

func authKey(slot int, driverName string) string {
	return driverName + "/" + strconv.Itoa(slot)
}

func (m *memoryStore) PutAssignment(_ context.Context, a Assignment) error {
	b := m.bucket(a.Tenant)
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.Status.Terminal() {
		// Move out of the live map so ActiveAssignment stops returning it.
		delete(b.assignments, a.Recipient)
		b.terminal = append(b.terminal, a)
		return nil
	}
	b.assignments[a.Recipient] = a
	return nil
}

func (m *memoryStore) ActiveAssignment(_ context.Context, tenantID, recipient string) (Assignment, bool, error) {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.assignments[recipient]
	return a, ok, nil
}

func (m *memoryStore) ListQueued(_ context.Context, tenantID string, limit int) ([]Assignment, error) {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Assignment, 0, len(b.assignments))
	for _, a := range b.assignments {
		if (a.Status == StatusQueued || a.Status == StatusFailed) && a.Slot != 0 {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) ListUnbound(_ context.Context, tenantID string) ([]Assignment, error) {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Assignment
	for _, a := range b.assignments {
		if a.Slot == 0 && !a.Status.Terminal() {
			out = append(out, a)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (m *memoryStore) QueueDepths(_ context.Context, tenantID string) (map[int]int, error) {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	depths := map[int]int{}
	for _, a := range b.assignments {
		if a.Slot != 0 && !a.Status.Terminal() {
			depths[a.Slot]++
		}
	}
	return depths, nil
}

func (m *memoryStore) UnbindSlot(_ context.Context, tenantID string, slot int) (int, error) {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for r, a := range b.assignments {
		if a.Slot == slot && !a.Status.Terminal() {
			a.Slot = 0
			a.Status = StatusQueued
			a.UpdatedAt = time.Now()
			b.assignments[r] = a
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) PruneTerminal(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.RLock()
	buckets := make([]*bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		buckets = append(buckets, b)
	}
	m.mu.RUnlock()

	total := 0
	for _, b := range buckets {
		b.mu.Lock()
		kept := b.terminal[:0]
		for _, a := range b.terminal {
			if a.UpdatedAt.After(olderThan) {
				kept = append(kept, a)
			} else {
				total++
			}
		}
		b.terminal = kept
		b.mu.Unlock()
	}
	return total, nil
}

func (m *memoryStore) CadenceConfig(_ context.Context, tenantID string) (CadenceConfig, bool, error) {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cadenceCfg == nil {
		return CadenceConfig{}, false, nil
	}
	return *b.cadenceCfg, true, nil
}

func (m *memoryStore) PutCadenceConfig(_ context.Context, tenantID string, cfg CadenceConfig) error {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	c := cfg
	b.cadenceCfg = &c
	return nil
}

func (m *memoryStore) RunState(_ context.Context, tenantID string) (CadenceRunState, error) {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runState, nil
}

func (m *memoryStore) PutRunState(_ context.Context, tenantID string, st CadenceRunState) error {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runState = st
	return nil
}

func (m *memoryStore) PutAssociation(_ context.Context, a Association) error {
	b := m.bucket(a.Tenant)
	b.mu.Lock()
	defer b.mu.Unlock()
	at := a.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	b.associations[a.Recipient] = at
	return nil
}

func (m *memoryStore) ResolveTenant(_ context.Context, recipient string) (string, bool, error) {
	m.mu.RLock()
	type cand struct {
		tenant string
		b      *bucket
	}
	cands := make([]cand, 0, len(m.buckets))
	for t, b := range m.buckets {
		cands = append(cands, cand{t, b})
	}
	m.mu.RUnlock()

	var (
		best   string
		bestAt time.Time
		found  bool
	)
	for _, c := range cands {
		c.b.mu.Lock()
		at, ok := c.b.associations[recipient]
		c.b.mu.Unlock()
		if !ok {
			continue
		}
		// Most recent association wins; equal timestamps break on tenant name
		// so resolution stays deterministic.
		if !found || at.After(bestAt) || (at.Equal(bestAt) && c.tenant > best) {
			best, bestAt, found = c.tenant, at, true
		}
	}
	return best, found, nil
}

func (m *memoryStore) IsMember(_ context.Context, tenantID, recipient string) (bool, error) {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.associations[recipient]
	return ok, nil
}

func (m *memoryStore) PruneAssociations(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.RLock()
	buckets := make([]*bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		buckets = append(buckets, b)
	}
	m.mu.RUnlock()

	total := 0
	for _, b := range buckets {
		b.mu.Lock()
		for r, at := range b.associations {
			if !at.After(olderThan) {
				delete(b.associations, r)
				total++
			}
		}
		b.mu.Unlock()
	}
	return total, nil
}

func (m *memoryStore) PutAuthBlob(_ context.Context, tenantID string, slot int, driverName string, blob []byte) error {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), blob...)
	b.authBlobs[authKey(slot, driverName)] = cp
	return nil
}

func (m *memoryStore) AuthBlob(_ context.Context, tenantID string, slot int, driverName string) ([]byte, bool, error) {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	blob, ok := b.authBlobs[authKey(slot, driverName)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (m *memoryStore) DeleteAuthBlob(_ context.Context, tenantID string, slot int, driverName string) error {
	b := m.bucket(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.authBlobs, authKey(slot, driverName))
	return nil
}

func (m *memoryStore) Close() error { return nil }

// sortAssignments orders immediate before normal, then oldest first, then
// recipient for a stable total order.
func sortAssignments(as []Assignment) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Priority != as[j].Priority {
			return as[i].Priority == PriorityImmediate
		}
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].Recipient < as[j].Recipient
	})
}
