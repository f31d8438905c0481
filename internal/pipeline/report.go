package pipeline

import (
	"time"

	"go.uber.org/multierr"
	"gorm.io/datatypes"
)

// UnknownFilter 工作流中未能翻译的过滤条件，原样上报
type UnknownFilter struct {
	WorkflowID string         `json:"workflow_id"`
	FilterBy   string         `json:"filter_by"`
	Reason     string         `json:"reason"`
	Raw        datatypes.JSON `json:"raw"`
}

// TenantReport 单租户的运行结果
type TenantReport struct {
	Tenant       string          `json:"tenant"`
	Workflows    int             `json:"workflows"`
	Evaluated    int             `json:"evaluated"`
	Skipped      int             `json:"skipped"`
	Invalid      int             `json:"invalid"`
	AuthFailures int             `json:"auth_failures"`
	APIFailures  int             `json:"api_failures"`
	ItemsMatched int             `json:"items_matched"`
	Aggregates   int             `json:"aggregates"`
	Unknown      []UnknownFilter `json:"unknown_filters,omitempty"`
	Err          error           `json:"-"`
}

// RunReport 一次聚合运行的汇总报告
type RunReport struct {
	RunID      string         `json:"run_id"`
	Date       string         `json:"date"`
	Weekday    string         `json:"weekday"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tenants    []TenantReport `json:"tenants"`
}

// Err 合并所有租户的错误（multierr），无错误时为 nil
func (r *RunReport) Err() error {
	var errs error
	for _, t := range r.Tenants {
		errs = multierr.Append(errs, t.Err)
	}
	return errs
}

// Aggregates 本次写入的汇总记录总数
func (r *RunReport) Aggregates() int {
	n := 0
	for _, t := range r.Tenants {
		n += t.Aggregates
	}
	return n
}

// Failed 存在错误的租户数
func (r *RunReport) Failed() int {
	n := 0
	for _, t := range r.Tenants {
		if t.Err != nil {
			n++
		}
	}
	return n
}
