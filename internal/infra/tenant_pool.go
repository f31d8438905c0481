package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrTenantStoreUnavailable 租户库未在连接池中注册（未初始化或打开失败）
var ErrTenantStoreUnavailable = errors.New("infra: tenant store unavailable")

// Opener 按存储位置打开连接，测试中可替换
type Opener func(location string) (*gorm.DB, error)

// TenantPool 以租户 ID 为键的连接池注册表
// 生命周期显式绑定进程：启动时 Init，关闭时 Close；运行期间只能通过 Refresh 增删
type TenantPool struct {
	mu     sync.RWMutex
	dbs    map[string]*gorm.DB
	open   Opener
	models []interface{}
	log    *zap.Logger
	closed bool
}

// NewTenantPool 创建租户连接池；models 会在每个租户库打开后自动迁移
func NewTenantPool(log *zap.Logger, opts PoolOptions, models ...interface{}) *TenantPool {
	p := &TenantPool{
		dbs:    make(map[string]*gorm.DB),
		models: models,
		log:    log.Named("tenant_pool"),
	}
	p.open = func(location string) (*gorm.DB, error) {
		return OpenLocation(location, log, opts)
	}
	return p
}

// WithOpener 替换连接打开方式
func (p *TenantPool) WithOpener(open Opener) *TenantPool {
	p.open = open
	return p
}

// Init 为所有租户打开连接。单个租户失败不影响其它租户，错误合并返回
func (p *TenantPool) Init(ctx context.Context, tenants []*tenant.Tenant) error {
	var errs error
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := p.add(t); err != nil {
			p.log.Error("租户库打开失败", zap.String("tenant", t.Name), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	p.log.Info("租户连接池初始化完成", zap.Int("tenants", p.Len()))
	return errs
}

// Refresh 与最新注册表对齐：打开新增租户，关闭已移除租户
func (p *TenantPool) Refresh(ctx context.Context, tenants []*tenant.Tenant) error {
	keep := make(map[string]struct{}, len(tenants))
	var missing []*tenant.Tenant
	p.mu.RLock()
	for _, t := range tenants {
		keep[t.ID] = struct{}{}
		if _, ok := p.dbs[t.ID]; !ok {
			missing = append(missing, t)
		}
	}
	p.mu.RUnlock()

	errs := p.Init(ctx, missing)

	p.mu.Lock()
	for id, db := range p.dbs {
		if _, ok := keep[id]; ok {
			continue
		}
		delete(p.dbs, id)
		errs = multierr.Append(errs, Close(db))
	}
	p.mu.Unlock()
	return errs
}

func (p *TenantPool) add(t *tenant.Tenant) error {
	p.mu.RLock()
	closed := p.closed
	_, exists := p.dbs[t.ID]
	p.mu.RUnlock()
	if closed {
		return fmt.Errorf("infra: tenant pool closed")
	}
	if exists {
		return nil
	}

	db, err := p.open(t.StoreLocation)
	if err != nil {
		return fmt.Errorf("tenant %s: %w", t.Name, err)
	}
	if len(p.models) > 0 {
		if err := db.AutoMigrate(p.models...); err != nil {
			_ = Close(db)
			return fmt.Errorf("tenant %s: 迁移失败: %w", t.Name, err)
		}
	}

	p.mu.Lock()
	p.dbs[t.ID] = db
	p.mu.Unlock()
	return nil
}

// Get 获取租户库连接
func (p *TenantPool) Get(tenantID string) (*gorm.DB, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, ok := p.dbs[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantStoreUnavailable, tenantID)
	}
	return db, nil
}

// DB 以租户对象获取连接，供各 Store 使用
func (p *TenantPool) DB(t *tenant.Tenant) (*gorm.DB, error) {
	return p.Get(t.ID)
}

// Len 已注册租户数
func (p *TenantPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.dbs)
}

// Close 关闭所有租户连接
func (p *TenantPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs error
	for id, db := range p.dbs {
		errs = multierr.Append(errs, Close(db))
		delete(p.dbs, id)
	}
	p.closed = true
	return errs
}
