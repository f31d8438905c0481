package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNotFound 汇总记录不存在或已不处于待投递状态
var ErrNotFound = errors.New("aggregate: not found")

// Store 汇总记录存储
type Store interface {
	// InsertBatch 在一个事务内写入租户的全部汇总
	InsertBatch(ctx context.Context, t *tenant.Tenant, entries []*EscalationAggregate) error
	// ListPending 列出 date >= since 的待投递记录
	ListPending(ctx context.Context, t *tenant.Tenant, since string) ([]*EscalationAggregate, error)
	MarkSent(ctx context.Context, t *tenant.Tenant, id string) error
	MarkFailed(ctx context.Context, t *tenant.Tenant, id string, reason string) error
}

type gormStore struct {
	stores tenant.StoreProvider
}

// NewStore 创建基于租户库的汇总存储
func NewStore(stores tenant.StoreProvider) Store {
	return &gormStore{stores: stores}
}

func (s *gormStore) InsertBatch(ctx context.Context, t *tenant.Tenant, entries []*EscalationAggregate) error {
	if len(entries) == 0 {
		return nil
	}
	db, err := s.stores.DB(t)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.Sent, e.Failed = false, false
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(entries, 100).Error; err != nil {
			return fmt.Errorf("写入汇总记录失败: %w", err)
		}
		return nil
	})
}

func (s *gormStore) ListPending(ctx context.Context, t *tenant.Tenant, since string) ([]*EscalationAggregate, error) {
	db, err := s.stores.DB(t)
	if err != nil {
		return nil, err
	}
	var out []*EscalationAggregate
	err = db.WithContext(ctx).
		Where("sent = ? AND failed = ? AND date >= ?", false, false, since).
		Order("date ASC, email ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询待投递汇总失败: %w", err)
	}
	return out, nil
}

func (s *gormStore) MarkSent(ctx context.Context, t *tenant.Tenant, id string) error {
	return s.transition(ctx, t, id, map[string]any{"sent": true, "last_error": ""})
}

func (s *gormStore) MarkFailed(ctx context.Context, t *tenant.Tenant, id string, reason string) error {
	return s.transition(ctx, t, id, map[string]any{"failed": true, "last_error": reason})
}

// transition 只允许从待投递状态迁移，已发送或已失败的记录不会被改写
func (s *gormStore) transition(ctx context.Context, t *tenant.Tenant, id string, updates map[string]any) error {
	db, err := s.stores.DB(t)
	if err != nil {
		return err
	}
	res := db.WithContext(ctx).Model(&EscalationAggregate{}).
		Where("id = ? AND sent = ? AND failed = ?", id, false, false).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("更新汇总状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
