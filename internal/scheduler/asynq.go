package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/infra/queue"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Registrar asynq 周期任务注册能力
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// RegisterPeriodic 注册聚合与投递两个周期任务
func RegisterPeriodic(r Registrar, aggregateSpec, deliverSpec string, timeout time.Duration) ([]string, error) {
	entries := []struct {
		spec     string
		taskType string
	}{
		{aggregateSpec, tasks.TypeAggregate},
		{deliverSpec, tasks.TypeDeliver},
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, err := specParser.Parse(e.spec); err != nil {
			return nil, fmt.Errorf("scheduler: invalid spec %q for %s: %w", e.spec, e.taskType, err)
		}
		task, err := queue.NewRunTask(e.taskType, tasks.RunPayload{Trigger: "scheduler"})
		if err != nil {
			return nil, err
		}
		id, err := r.Register(e.spec, task, queue.TaskOptions(timeout)...)
		if err != nil {
			return nil, fmt.Errorf("scheduler: register %s: %w", e.taskType, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Distributed 基于 asynq Scheduler 的调度器，任务由 Worker 消费
type Distributed struct {
	scheduler *asynq.Scheduler
	log       *zap.Logger
}

// NewDistributed 创建 asynq 调度器并注册周期任务
func NewDistributed(redisOpt asynq.RedisConnOpt, loc *time.Location, aggregateSpec, deliverSpec string, timeout time.Duration, log *zap.Logger) (*Distributed, error) {
	s := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: loc,
		Logger:   log.Sugar(),
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				log.Error("周期任务入队失败", zap.Error(err))
				return
			}
			log.Info("周期任务已入队", zap.String("type", info.Type), zap.String("task_id", info.ID))
		},
	})
	if _, err := RegisterPeriodic(s, aggregateSpec, deliverSpec, timeout); err != nil {
		return nil, err
	}
	return &Distributed{scheduler: s, log: log.Named("scheduler")}, nil
}

// Run 阻塞直到 ctx 取消
func (d *Distributed) Run(ctx context.Context) error {
	if err := d.scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler: start asynq scheduler: %w", err)
	}
	d.log.Info("asynq 调度器已启动")
	<-ctx.Done()
	d.scheduler.Shutdown()
	d.log.Info("asynq 调度器已停止")
	return nil
}
