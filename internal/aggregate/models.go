package aggregate

import (
	"time"
)

// ModuleItems 单个项目下各模块命中的条目编号
type ModuleItems struct {
	Issues  []int64 `json:"issues"`
	Forms   []int64 `json:"forms"`
	Reviews []int64 `json:"reviews"`
}

// Counts 各模块条目数
func (m ModuleItems) Counts() (issues, forms, reviews int) {
	return len(m.Issues), len(m.Forms), len(m.Reviews)
}

// Add 追加条目；dedupe 为 true 时跳过已存在的编号
func (m *ModuleItems) Add(module string, ids []int64, dedupe bool) {
	var dst *[]int64
	switch module {
	case "issues":
		dst = &m.Issues
	case "forms":
		dst = &m.Forms
	case "reviews":
		dst = &m.Reviews
	default:
		return
	}
	if !dedupe {
		*dst = append(*dst, ids...)
		return
	}
	seen := make(map[int64]struct{}, len(*dst)+len(ids))
	for _, id := range *dst {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		*dst = append(*dst, id)
	}
}

// EscalationAggregate 单个收件人在某租户某一天的汇总
// sent 与 failed 互斥，均为 false 表示待投递
type EscalationAggregate struct {
	ID             string                 `json:"id" gorm:"primaryKey;size:36"`
	Email          string                 `json:"email" gorm:"size:255;not null;index:idx_aggregate_lookup,priority:2"`
	ExternalUserID string                 `json:"external_user_id" gorm:"size:128"`
	Phone          *string                `json:"phone" gorm:"size:32"`
	Aggregate      map[string]ModuleItems `json:"aggregate" gorm:"type:jsonb;serializer:json"`
	Channels       []string               `json:"channels" gorm:"type:jsonb;serializer:json"`
	TemplateType   string                 `json:"template_type" gorm:"size:32;not null"`
	Tenant         string                 `json:"tenant" gorm:"size:255;not null"`
	Date           string                 `json:"date" gorm:"size:10;not null;index:idx_aggregate_lookup,priority:1"`
	Sent           bool                   `json:"sent" gorm:"not null;default:false;index"`
	Failed         bool                   `json:"failed" gorm:"not null;default:false"`
	// LastError 最近一次投递失败原因
	LastError string    `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (EscalationAggregate) TableName() string {
	return "escalation_aggregates"
}

// IsPending 待投递
func (a *EscalationAggregate) IsPending() bool {
	return !a.Sent && !a.Failed
}

// HasChannel 是否包含某渠道
func (a *EscalationAggregate) HasChannel(ch string) bool {
	for _, c := range a.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Totals 全部项目汇总后的各模块条目数
func (a *EscalationAggregate) Totals() (issues, forms, reviews int) {
	for _, items := range a.Aggregate {
		i, f, r := items.Counts()
		issues += i
		forms += f
		reviews += r
	}
	return
}
