package tenant

import "context"

type tenantContextKey struct{}

// WithTenant attaches the tenant currently being processed to ctx. Stores
// and senders further down the call chain read it back with FromContext
// instead of threading the tenant through every signature.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, t)
}

// FromContext retrieves the tenant attached by WithTenant. The second return
// value indicates whether a tenant was present.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey{}).(*Tenant)
	if !ok || t == nil {
		return nil, false
	}
	return t, true
}

// MustFromContext retrieves the tenant from ctx and panics if it is missing.
// It is suitable where an earlier stage guarantees the tenant is attached.
func MustFromContext(ctx context.Context) *Tenant {
	t, ok := FromContext(ctx)
	if !ok {
		panic("tenant: Tenant missing from context")
	}
	return t
}
