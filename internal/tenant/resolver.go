// Package tenant centralizes recipient-to-tenant resolution.
//
// Ownership is recorded as timestamped associations written whenever a
// recipient is distributed for a tenant. When more than one tenant has
// claimed the same recipient, the most recently created association wins;
// exact-timestamp ties fall back to tenant name so the answer never
// depends on iteration order.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"slotcast/internal/store"
)

// ErrUnresolved means no tenant has ever claimed the recipient.
var ErrUnresolved = errors.New("tenant unresolved for recipient")

type Resolver struct {
	st store.Store
}

func NewResolver(st store.Store) *Resolver { return &Resolver{st: st} }

// Resolve returns the owning tenant for a recipient.
func (r *Resolver) Resolve(ctx context.Context, recipient string) (string, error) {
	t, ok, err := r.st.ResolveTenant(ctx, recipient)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, recipient)
	}
	return t, nil
}

// IsMember reports whether the recipient belongs to the tenant's recipient set.
func (r *Resolver) IsMember(ctx context.Context, tenantID, recipient string) (bool, error) {
	return r.st.IsMember(ctx, tenantID, recipient)
}

// Associate records (or refreshes) a tenant's claim on a recipient.
func (r *Resolver) Associate(ctx context.Context, tenantID, recipient string) error {
	return r.st.PutAssociation(ctx, store.Association{Tenant: tenantID, Recipient: recipient})
}
