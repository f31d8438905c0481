package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// User 中心用户目录中的一行，仅关心邮箱与手机号
type User struct {
	ID          uint    `gorm:"primaryKey"`
	Email       string  `gorm:"size:255;uniqueIndex;not null"`
	PhoneNumber *string `gorm:"size:32"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// Resolver 按邮箱解析收件人手机号
type Resolver interface {
	// Resolve 找不到用户或未登记手机号时返回 nil, nil
	Resolve(ctx context.Context, email string) (*string, error)
}

type gormResolver struct {
	db *gorm.DB
}

// NewResolver 创建基于中心库的解析器
func NewResolver(db *gorm.DB) Resolver {
	return &gormResolver{db: db}
}

func (r *gormResolver) Resolve(ctx context.Context, email string) (*string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}

	var u User
	err := r.db.WithContext(ctx).
		Select("phone_number").
		Where("LOWER(email) = ?", email).
		Take(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询用户手机号失败: %w", err)
	}

	if u.PhoneNumber == nil || strings.TrimSpace(*u.PhoneNumber) == "" {
		return nil, nil
	}
	phone := strings.TrimSpace(*u.PhoneNumber)
	return &phone, nil
}

// NormalizeEmail 统一邮箱大小写与空白，聚合键与目录查询共用
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
