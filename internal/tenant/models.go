package tenant

import "time"

// Tenant statuses.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Tenant is one row of the central tenant registry. Each tenant owns an
// isolated data store (workflows, aggregates, credentials) located at
// StoreLocation. The registry is read-only to the escalation pipeline.
type Tenant struct {
	ID            string `json:"id" gorm:"primaryKey;size:64"`
	Name          string `json:"name" gorm:"size:255;uniqueIndex;not null"`
	StoreLocation string `json:"-" gorm:"size:1024;not null"`
	Status        string `json:"status" gorm:"size:50;not null;default:active"`

	// AccountID is the tenant's account (hub) id on the external project API.
	AccountID string `json:"accountId" gorm:"size:128"`
	// TwoLegged tenants authenticate with an app-level client-credentials
	// token instead of the workflow owner's user token.
	TwoLegged bool `json:"twoLegged" gorm:"default:false"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// TableName pins the registry table name.
func (Tenant) TableName() string {
	return "tenants"
}

// IsActive reports whether the tenant should be scanned.
func (t *Tenant) IsActive() bool {
	return t.Status == "" || t.Status == StatusActive
}
