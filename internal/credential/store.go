package credential

import (
	"context"
	"errors"
	"fmt"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"

	"gorm.io/gorm"
)

// Store 凭证存储
type Store interface {
	Get(ctx context.Context, t *tenant.Tenant, userID string) (*Credential, error)
	// CompareAndSwap 仅当库中版本等于 expectedVersion 时写入，成功后 cred.Version 自增
	CompareAndSwap(ctx context.Context, t *tenant.Tenant, cred *Credential, expectedVersion int64) error
	SetStatus(ctx context.Context, t *tenant.Tenant, userID, status string) error
}

type gormStore struct {
	stores tenant.StoreProvider
}

// NewStore 创建基于租户库的凭证存储
func NewStore(stores tenant.StoreProvider) Store {
	return &gormStore{stores: stores}
}

func (s *gormStore) Get(ctx context.Context, t *tenant.Tenant, userID string) (*Credential, error) {
	db, err := s.stores.DB(t)
	if err != nil {
		return nil, err
	}
	var c Credential
	err = db.WithContext(ctx).Where("external_user_id = ?", userID).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("查询凭证失败: %w", err)
	}
	return &c, nil
}

func (s *gormStore) CompareAndSwap(ctx context.Context, t *tenant.Tenant, cred *Credential, expectedVersion int64) error {
	db, err := s.stores.DB(t)
	if err != nil {
		return err
	}
	res := db.WithContext(ctx).Model(&Credential{}).
		Where("external_user_id = ? AND version = ?", cred.ExternalUserID, expectedVersion).
		Updates(map[string]any{
			"access_token":  cred.AccessToken,
			"refresh_token": cred.RefreshToken,
			"expires_at":    cred.ExpiresAt,
			"status":        cred.Status,
			"version":       expectedVersion + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("更新凭证失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	cred.Version = expectedVersion + 1
	return nil
}

func (s *gormStore) SetStatus(ctx context.Context, t *tenant.Tenant, userID, status string) error {
	db, err := s.stores.DB(t)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Model(&Credential{}).
		Where("external_user_id = ?", userID).
		Update("status", status).Error
}
