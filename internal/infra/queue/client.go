package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueAggregate(ctx context.Context, payload tasks.RunPayload) (string, error)
	EnqueueDeliver(ctx context.Context, payload tasks.RunPayload) (string, error)
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(opt asynq.RedisConnOpt) Client {
	return &asynqClient{client: asynq.NewClient(opt)}
}

// TaskOptions 运行任务的公共选项
// 聚合不是幂等的（重复执行会产生重复汇总），因此不重试
func TaskOptions(timeout time.Duration) []asynq.Option {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.Queue(tasks.Queue),
	}
}

// NewRunTask 构建运行任务
func NewRunTask(taskType string, payload tasks.RunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(taskType, data), nil
}

func (c *asynqClient) EnqueueAggregate(ctx context.Context, payload tasks.RunPayload) (string, error) {
	return c.enqueue(ctx, tasks.TypeAggregate, payload)
}

func (c *asynqClient) EnqueueDeliver(ctx context.Context, payload tasks.RunPayload) (string, error) {
	return c.enqueue(ctx, tasks.TypeDeliver, payload)
}

func (c *asynqClient) enqueue(ctx context.Context, taskType string, payload tasks.RunPayload) (string, error) {
	task, err := NewRunTask(taskType, payload)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task, TaskOptions(0)...)
	if err != nil {
		return "", fmt.Errorf("enqueue task failed: %w", err)
	}
	return info.ID, nil
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}
