package tasks

// Task Types
const (
	TypeAggregate = "escalation:aggregate"
	TypeDeliver   = "escalation:deliver"
)

// Queue 本服务任务所用的队列
const Queue = "escalation"

// RunPayload 聚合/投递运行任务载荷
type RunPayload struct {
	// RunID 为空时使用 asynq 任务 ID
	RunID string `json:"run_id,omitempty"`
	// Trigger 触发来源：scheduler, api
	Trigger string `json:"trigger"`
}
