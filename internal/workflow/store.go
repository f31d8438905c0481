package workflow

import (
	"context"
	"fmt"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"
)

// Store 租户工作流存储（只读）
type Store interface {
	// ListActive 返回租户内所有 active 工作流，按 project_id、display_id 排序
	ListActive(ctx context.Context, t *tenant.Tenant) ([]*Workflow, error)
}

type gormStore struct {
	stores tenant.StoreProvider
}

// NewStore 创建基于租户库的工作流存储
func NewStore(stores tenant.StoreProvider) Store {
	return &gormStore{stores: stores}
}

func (s *gormStore) ListActive(ctx context.Context, t *tenant.Tenant) ([]*Workflow, error) {
	db, err := s.stores.DB(t)
	if err != nil {
		return nil, err
	}

	var items []*Workflow
	err = db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Order("project_id ASC, display_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("查询租户 %s 工作流失败: %w", t.Name, err)
	}
	return items, nil
}
