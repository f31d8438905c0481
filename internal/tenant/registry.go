package tenant

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a requested tenant does not exist in the
	// registry.
	ErrNotFound = errors.New("tenant: not found")
)

// Registry enumerates tenants and their isolated data-store locations.
type Registry interface {
	All(ctx context.Context) ([]*Tenant, error)
	GetByName(ctx context.Context, name string) (*Tenant, error)
}

type gormRegistry struct {
	db *gorm.DB
}

// NewRegistry constructs a Registry backed by the central database.
func NewRegistry(db *gorm.DB) Registry {
	return &gormRegistry{db: db}
}

// All returns every active tenant ordered by name so runs are reproducible.
func (r *gormRegistry) All(ctx context.Context) ([]*Tenant, error) {
	var tenants []*Tenant
	err := r.db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Order("name ASC").
		Find(&tenants).Error
	if err != nil {
		return nil, fmt.Errorf("tenant: list registry: %w", err)
	}
	return tenants, nil
}

func (r *gormRegistry) GetByName(ctx context.Context, name string) (*Tenant, error) {
	var t Tenant
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tenant: get %q: %w", name, err)
	}
	return &t, nil
}

// StoreProvider resolves the isolated data store of a tenant. It is
// implemented by infra.TenantPool.
type StoreProvider interface {
	DB(t *Tenant) (*gorm.DB, error)
}
