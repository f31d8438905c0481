package credential

import "time"

// 凭证状态
const (
	StatusActive         = "active"
	StatusReauthRequired = "reauth_required"
)

// Credential 外部 API 的用户访问凭证（按租户隔离存储）
type Credential struct {
	ExternalUserID string    `json:"external_user_id" gorm:"primaryKey;size:128"`
	AccessToken    string    `json:"-" gorm:"type:text;not null"`
	RefreshToken   string    `json:"-" gorm:"type:text"`
	ExpiresAt      time.Time `json:"expires_at" gorm:"not null"`
	Roles          []string  `json:"roles" gorm:"type:jsonb;serializer:json"`
	Status         string    `json:"status" gorm:"size:32;not null;default:active"`
	// Version 乐观锁版本号，每次刷新 +1
	Version   int64     `json:"version" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Credential) TableName() string {
	return "credentials"
}

// ValidFor 在 now 之后至少还剩 d 才算有效
func (c *Credential) ValidFor(now time.Time, d time.Duration) bool {
	return c.AccessToken != "" && c.ExpiresAt.Sub(now) >= d
}
