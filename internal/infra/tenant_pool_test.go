package infra

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type poolRow struct {
	ID   uint `gorm:"primaryKey"`
	Note string
}

func memoryLocation(name string) string {
	return fmt.Sprintf("file:pool_%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
}

func TestTenantPoolInitMigratesAndIsolates(t *testing.T) {
	pool := NewTenantPool(zaptest.NewLogger(t), PoolOptions{}, &poolRow{})
	defer pool.Close()

	tenants := []*tenant.Tenant{
		{ID: "t1", Name: "acme", StoreLocation: memoryLocation("acme")},
		{ID: "t2", Name: "zeta", StoreLocation: memoryLocation("zeta")},
	}
	require.NoError(t, pool.Init(context.Background(), tenants))
	require.Equal(t, 2, pool.Len())

	db1, err := pool.Get("t1")
	require.NoError(t, err)
	require.NoError(t, db1.Create(&poolRow{Note: "only acme"}).Error)

	db2, err := pool.DB(tenants[1])
	require.NoError(t, err)
	var count int64
	require.NoError(t, db2.Model(&poolRow{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestTenantPoolInitIsolatesFailures(t *testing.T) {
	pool := NewTenantPool(zaptest.NewLogger(t), PoolOptions{})
	defer pool.Close()

	err := pool.Init(context.Background(), []*tenant.Tenant{
		{ID: "bad", Name: "bad", StoreLocation: "mongodb://nope"},
		{ID: "ok", Name: "ok", StoreLocation: memoryLocation("ok")},
	})
	require.Error(t, err)
	require.Equal(t, 1, pool.Len())

	_, err = pool.Get("bad")
	require.True(t, errors.Is(err, ErrTenantStoreUnavailable))
}

func TestTenantPoolRefreshAddsAndRemoves(t *testing.T) {
	opened := 0
	pool := NewTenantPool(zaptest.NewLogger(t), PoolOptions{})
	base := pool.open
	pool.WithOpener(func(location string) (*gorm.DB, error) {
		opened++
		return base(location)
	})
	defer pool.Close()

	a := &tenant.Tenant{ID: "a", Name: "a", StoreLocation: memoryLocation("a")}
	b := &tenant.Tenant{ID: "b", Name: "b", StoreLocation: memoryLocation("b")}
	require.NoError(t, pool.Init(context.Background(), []*tenant.Tenant{a}))
	require.NoError(t, pool.Refresh(context.Background(), []*tenant.Tenant{a, b}))
	require.Equal(t, 2, opened)
	require.Equal(t, 2, pool.Len())

	require.NoError(t, pool.Refresh(context.Background(), []*tenant.Tenant{b}))
	_, err := pool.Get("a")
	require.ErrorIs(t, err, ErrTenantStoreUnavailable)
	require.Equal(t, 1, pool.Len())
}

func TestTenantPoolClosedRejectsAdds(t *testing.T) {
	pool := NewTenantPool(zaptest.NewLogger(t), PoolOptions{})
	require.NoError(t, pool.Close())
	err := pool.Init(context.Background(), []*tenant.Tenant{{ID: "x", Name: "x", StoreLocation: memoryLocation("x")}})
	require.Error(t, err)
}

func TestRedactHidesCredentials(t *testing.T) {
	require.Equal(t, "postgres://***@db:5432/acme", redact("postgres://user:secret@db:5432/acme"))
	require.Equal(t, "sqlite://a.db", redact("sqlite://a.db"))
}
