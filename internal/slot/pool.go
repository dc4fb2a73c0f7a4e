package slot

import (
	"sort"

	"slotcast/internal/driver"
)

// Pool is the set of slots belonging to one tenant.
type Pool struct {
	tenant string
	slots  map[int]*Slot
}

func newPool(tenant string, size int) *Pool {
	p := &Pool{tenant: tenant, slots: make(map[int]*Slot, size)}
	for n := 1; n <= size; n++ {
		p.slots[n] = newSlot(driver.SlotID{Tenant: tenant, Slot: n})
	}
	return p
}

func (p *Pool) slot(n int) (*Slot, bool) {
	s, ok := p.slots[n]
	return s, ok
}

// Numbers returns all slot numbers in ascending order.
func (p *Pool) Numbers() []int {
	out := make([]int, 0, len(p.slots))
	for n := range p.slots {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Eligible returns the ascending slot numbers currently allowed to carry
// traffic (state Connected).
func (p *Pool) Eligible() []int {
	var out []int
	for n, s := range p.slots {
		if s.State().Eligible() {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// Snapshots returns a copy of every slot's observable state, ordered by
// slot number.
func (p *Pool) Snapshots() []Info {
	out := make([]Info, 0, len(p.slots))
	for _, n := range p.Numbers() {
		out = append(out, p.slots[n].Snapshot())
	}
	return out
}
