package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// CachedRegistry wraps a Registry with a per-process TTL cache of the tenant
// list. The registry changes rarely (onboarding is out of band) while every
// aggregation and delivery run enumerates it.
type CachedRegistry struct {
	inner Registry
	ttl   time.Duration
	clk   clock.Clock

	mu        sync.RWMutex
	tenants   []*Tenant
	expiresAt time.Time
}

// NewCachedRegistry creates a cached Registry. A zero ttl disables caching.
func NewCachedRegistry(inner Registry, ttl time.Duration, clk clock.Clock) *CachedRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &CachedRegistry{inner: inner, ttl: ttl, clk: clk}
}

func (c *CachedRegistry) All(ctx context.Context) ([]*Tenant, error) {
	c.mu.RLock()
	if c.tenants != nil && c.clk.Now().Before(c.expiresAt) {
		cached := c.tenants
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	tenants, err := c.inner.All(ctx)
	if err != nil {
		return nil, err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.tenants = tenants
		c.expiresAt = c.clk.Now().Add(c.ttl)
		c.mu.Unlock()
	}
	return tenants, nil
}

// GetByName always reads through; it is only used by manual triggers.
func (c *CachedRegistry) GetByName(ctx context.Context, name string) (*Tenant, error) {
	return c.inner.GetByName(ctx, name)
}

// Invalidate drops the cached tenant list.
func (c *CachedRegistry) Invalidate() {
	c.mu.Lock()
	c.tenants = nil
	c.mu.Unlock()
}
