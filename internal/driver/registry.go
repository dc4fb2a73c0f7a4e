package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the available drivers and each tenant's fallback order.
//
// The order matters: the slot manager tries drivers front-to-back until one
// connects, and only reports total failure once the list is exhausted.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	orders  map[string][]string // tenant -> driver names
	def     []string            // default order when a tenant has none
}

func NewRegistry() *Registry {
	return &Registry{
		drivers: map[string]Driver{},
		orders:  map[string][]string{},
	}
}

func (r *Registry) Register(d Driver) error {
	name := strings.TrimSpace(d.Name())
	if name == "" {
		return fmt.Errorf("driver with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.drivers[name]; dup {
		return fmt.Errorf("driver %q already registered", name)
	}
	r.drivers[name] = d
	return nil
}

func (r *Registry) Get(name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	return d, ok
}

// Names returns registered driver names, sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SetDefaultOrder sets the fallback order used by tenants without an
// explicit one. Every name must be registered.
func (r *Registry) SetDefaultOrder(names []string) error {
	cleaned, err := r.validate(names)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.def = cleaned
	r.mu.Unlock()
	return nil
}

// SetTenantOrder configures a tenant-specific fallback order.
func (r *Registry) SetTenantOrder(tenantID string, names []string) error {
	cleaned, err := r.validate(names)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.orders[tenantID] = cleaned
	r.mu.Unlock()
	return nil
}

// FallbackOrder resolves the ordered driver list for a tenant. The returned
// slice is a copy; every entry is guaranteed registered.
func (r *Registry) FallbackOrder(tenantID string) []Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.orders[tenantID]
	if len(names) == 0 {
		names = r.def
	}
	out := make([]Driver, 0, len(names))
	for _, n := range names {
		if d, ok := r.drivers[n]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) validate(names []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(names) == 0 {
		return nil, fmt.Errorf("driver order is empty")
	}
	cleaned := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		if _, ok := r.drivers[n]; !ok {
			return nil, fmt.Errorf("unknown driver %q", n)
		}
		seen[n] = true
		cleaned = append(cleaned, n)
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("driver order resolves to empty")
	}
	return cleaned, nil
}
