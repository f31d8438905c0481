package tenant

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupRegistryDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:registry_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Tenant{}))
	return db
}

func TestRegistryAllReturnsActiveTenantsSorted(t *testing.T) {
	db := setupRegistryDB(t)
	require.NoError(t, db.Create(&[]Tenant{
		{ID: "t2", Name: "zeta", StoreLocation: "sqlite://z.db", Status: StatusActive},
		{ID: "t1", Name: "acme", StoreLocation: "sqlite://a.db", Status: StatusActive},
		{ID: "t3", Name: "gone", StoreLocation: "sqlite://g.db", Status: StatusDisabled},
	}).Error)

	tenants, err := NewRegistry(db).All(context.Background())
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	require.Equal(t, "acme", tenants[0].Name)
	require.Equal(t, "zeta", tenants[1].Name)
}

func TestRegistryGetByNameNotFound(t *testing.T) {
	db := setupRegistryDB(t)
	_, err := NewRegistry(db).GetByName(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

type countingRegistry struct {
	calls   int
	tenants []*Tenant
}

func (r *countingRegistry) All(context.Context) ([]*Tenant, error) {
	r.calls++
	return r.tenants, nil
}

func (r *countingRegistry) GetByName(context.Context, string) (*Tenant, error) {
	return nil, ErrNotFound
}

func TestCachedRegistryHonorsTTL(t *testing.T) {
	inner := &countingRegistry{tenants: []*Tenant{{ID: "t1", Name: "acme"}}}
	clk := clock.NewMock()
	cached := NewCachedRegistry(inner, time.Minute, clk)

	for i := 0; i < 3; i++ {
		_, err := cached.All(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 1, inner.calls)

	clk.Add(2 * time.Minute)
	_, err := cached.All(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)

	cached.Invalidate()
	_, err = cached.All(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, inner.calls)
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	ctx := WithTenant(context.Background(), &Tenant{Name: "acme"})
	got := MustFromContext(ctx)
	require.Equal(t, "acme", got.Name)
}
