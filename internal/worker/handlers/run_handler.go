package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/dispatch"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/pipeline"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// AggregateRunner 执行一次聚合运行
type AggregateRunner interface {
	Run(ctx context.Context) (*pipeline.RunReport, error)
}

// DeliverRunner 执行一次投递运行
type DeliverRunner interface {
	Run(ctx context.Context) (*dispatch.DeliveryReport, error)
}

// RunHandler 处理聚合与投递任务
type RunHandler struct {
	aggregator AggregateRunner
	dispatcher DeliverRunner
	logger     *zap.Logger
}

// NewRunHandler 创建运行任务处理器
func NewRunHandler(aggregator AggregateRunner, dispatcher DeliverRunner, logger *zap.Logger) *RunHandler {
	return &RunHandler{aggregator: aggregator, dispatcher: dispatcher, logger: logger}
}

// HandleAggregate 处理聚合任务
// 仅当注册表不可读时返回错误；单租户失败记录在报告中，不触发任务失败
func (h *RunHandler) HandleAggregate(ctx context.Context, t *asynq.Task) error {
	ctx, p, err := h.prepare(ctx, t)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx, h.logger)
	log.Info("开始聚合任务", zap.String("trigger", p.Trigger))

	report, err := h.aggregator.Run(ctx)
	if err != nil {
		log.Error("聚合运行失败", zap.Error(err))
		return err
	}
	fields := []zap.Field{
		zap.Int("tenants", len(report.Tenants)),
		zap.Int("aggregates", report.Aggregates()),
	}
	if rerr := report.Err(); rerr != nil {
		log.Warn("聚合完成（部分租户失败）", append(fields, zap.Int("failed_tenants", report.Failed()), zap.Error(rerr))...)
		return nil
	}
	log.Info("聚合完成", fields...)
	return nil
}

// HandleDeliver 处理投递任务
func (h *RunHandler) HandleDeliver(ctx context.Context, t *asynq.Task) error {
	ctx, p, err := h.prepare(ctx, t)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx, h.logger)
	log.Info("开始投递任务", zap.String("trigger", p.Trigger))

	report, err := h.dispatcher.Run(ctx)
	if err != nil {
		log.Error("投递运行失败", zap.Error(err))
		return err
	}
	sent, failed, skipped := report.Totals()
	fields := []zap.Field{zap.Int("sent", sent), zap.Int("failed", failed), zap.Int("skipped", skipped)}
	if rerr := report.Err(); rerr != nil {
		log.Warn("投递完成（存在失败）", append(fields, zap.Error(rerr))...)
		return nil
	}
	log.Info("投递完成", fields...)
	return nil
}

func (h *RunHandler) prepare(ctx context.Context, t *asynq.Task) (context.Context, tasks.RunPayload, error) {
	var p tasks.RunPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return ctx, p, fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
		}
	}
	if p.RunID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			p.RunID = id
		}
	}
	if p.Trigger == "" {
		p.Trigger = "scheduler"
	}
	if p.RunID != "" {
		ctx = logger.WithRunID(ctx, p.RunID)
	}
	return ctx, p, nil
}
