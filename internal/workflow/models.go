package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/filter"

	"gorm.io/datatypes"
)

// Type 工作流类型
type Type string

const (
	TypeEscalation   Type = "escalation"
	TypeNotification Type = "notification"
)

// Module 匹配的项目对象模块
type Module string

const (
	ModuleIssues  Module = "issues"
	ModuleForms   Module = "forms"
	ModuleReviews Module = "reviews"
)

// Channel 投递渠道
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

// Status 工作流状态
type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// ErrInvalid 工作流定义不合法
var ErrInvalid = errors.New("workflow: invalid definition")

// RecipientUser 收件人
type RecipientUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Recipients escalate_to / notify_to 文档
type Recipients struct {
	Users   []RecipientUser `json:"users"`
	Company []string        `json:"company,omitempty"`
	Roles   []string        `json:"roles,omitempty"`
}

// Workflow 租户内持久化的工作流定义，本流程只读
type Workflow struct {
	ID        string `json:"workflow_id" gorm:"primaryKey;size:64"`
	DisplayID int    `json:"display_id" gorm:"not null;uniqueIndex:idx_workflow_project_display,priority:2"`
	ProjectID string `json:"project_id" gorm:"size:128;not null;uniqueIndex:idx_workflow_project_display,priority:1"`

	Type     Type      `json:"type" gorm:"size:20;not null;default:escalation"`
	Module   Module    `json:"module" gorm:"size:20;not null"`
	Channels []Channel `json:"channels" gorm:"type:jsonb;serializer:json"`
	Status   Status    `json:"status" gorm:"size:20;not null;default:active;index"`

	// 升级类工作流按星期调度，通知类工作流按截止日偏移
	Frequency []Weekday `json:"frequency,omitempty" gorm:"type:jsonb;serializer:json"`
	DueIn     DueIn     `json:"due_in,omitempty" gorm:"size:32"`

	// filters 为开放结构，新类型无需改表
	Filters datatypes.JSON `json:"filters" gorm:"type:jsonb"`

	EscalateTo *Recipients `json:"escalate_to,omitempty" gorm:"type:jsonb;serializer:json"`
	NotifyTo   *Recipients `json:"notify_to,omitempty" gorm:"type:jsonb;serializer:json"`

	CreatedBy string    `json:"created_by" gorm:"size:128"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Workflow) TableName() string {
	return "workflows"
}

// IsActive 是否启用
func (w *Workflow) IsActive() bool {
	return w.Status == StatusActive
}

// RecipientUsers 当前类型对应的收件人列表
func (w *Workflow) RecipientUsers() []RecipientUser {
	var r *Recipients
	if w.Type == TypeNotification {
		r = w.NotifyTo
	} else {
		r = w.EscalateTo
	}
	if r == nil {
		return nil
	}
	return r.Users
}

// ParsedFilters 解析 filters 文档
func (w *Workflow) ParsedFilters() ([]filter.Filter, error) {
	return filter.ParseJSON(w.Filters)
}

// HasChannel 是否包含某渠道
func (w *Workflow) HasChannel(c Channel) bool {
	for _, ch := range w.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// Validate 校验工作流定义
func (w *Workflow) Validate() error {
	if w.ID == "" || w.ProjectID == "" {
		return fmt.Errorf("%w: missing id or project_id", ErrInvalid)
	}
	switch w.Module {
	case ModuleIssues, ModuleForms, ModuleReviews:
	default:
		return fmt.Errorf("%w: unknown module %q", ErrInvalid, w.Module)
	}
	if len(w.Channels) == 0 {
		return fmt.Errorf("%w: channels must not be empty", ErrInvalid)
	}
	for _, c := range w.Channels {
		if c != ChannelWhatsApp && c != ChannelEmail {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalid, c)
		}
	}
	switch w.Type {
	case TypeEscalation, "":
		for _, d := range w.Frequency {
			if !d.Valid() {
				return fmt.Errorf("%w: unknown weekday %q", ErrInvalid, d)
			}
		}
	case TypeNotification:
		if _, ok := w.DueIn.Offset(); !ok {
			return fmt.Errorf("%w: unknown due_in %q", ErrInvalid, w.DueIn)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, w.Type)
	}
	return nil
}
