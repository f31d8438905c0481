// Package dispatch 读取待投递汇总，逐条按渠道发送并更新状态
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/aggregate"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/metrics"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errNoChannels = errors.New("dispatch: record has no channels")

// PendingStore 投递所需的汇总存储能力
type PendingStore interface {
	ListPending(ctx context.Context, t *tenant.Tenant, since string) ([]*aggregate.EscalationAggregate, error)
	MarkSent(ctx context.Context, t *tenant.Tenant, id string) error
	MarkFailed(ctx context.Context, t *tenant.Tenant, id string, reason string) error
}

// Outcome 单条汇总的投递结果
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending" // 所有渠道均被跳过，留待下次
)

// TenantDelivery 单租户投递统计
type TenantDelivery struct {
	Tenant  string `json:"tenant"`
	Pending int    `json:"pending"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Err     error  `json:"-"`
}

// DeliveryReport 一次投递运行报告
type DeliveryReport struct {
	RunID      string           `json:"run_id"`
	Since      string           `json:"since"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Tenants    []TenantDelivery `json:"tenants"`
}

// Err 合并各租户错误
func (r *DeliveryReport) Err() error {
	var errs error
	for _, t := range r.Tenants {
		errs = multierr.Append(errs, t.Err)
	}
	return errs
}

// Totals 全部租户的 sent / failed / skipped
func (r *DeliveryReport) Totals() (sent, failed, skipped int) {
	for _, t := range r.Tenants {
		sent += t.Sent
		failed += t.Failed
		skipped += t.Skipped
	}
	return
}

// Options 投递参数
type Options struct {
	// LookbackDays 处理 date >= 今天-LookbackDays 的待投递记录
	LookbackDays int
	Location     *time.Location
}

// Dispatcher 投递器
type Dispatcher struct {
	tenants tenant.Registry
	store   PendingStore
	senders map[string]Sender
	opts    Options
	clk     clock.Clock
	tracer  trace.Tracer
	log     *zap.Logger
}

// NewDispatcher 创建投递器；未注册发送器的渠道视为未启用并跳过
func NewDispatcher(tenants tenant.Registry, store PendingStore, senders []Sender, opts Options, clk clock.Clock, log *zap.Logger) *Dispatcher {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LookbackDays < 0 {
		opts.LookbackDays = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	bySender := make(map[string]Sender, len(senders))
	for _, s := range senders {
		bySender[s.Channel()] = s
	}
	return &Dispatcher{
		tenants: tenants,
		store:   store,
		senders: bySender,
		opts:    opts,
		clk:     clk,
		tracer:  otel.Tracer("accaddons/internal/dispatch"),
		log:     log.Named("dispatcher"),
	}
}

// Run 投递所有租户的待投递汇总
// 单条记录的失败只影响自身；返回的 error 仅表示无法读取租户注册表
func (d *Dispatcher) Run(ctx context.Context) (*DeliveryReport, error) {
	today := d.clk.Now().In(d.opts.Location)
	report := &DeliveryReport{
		RunID:     logger.RunID(ctx),
		Since:     today.AddDate(0, 0, -d.opts.LookbackDays).Format("2006-01-02"),
		StartedAt: d.clk.Now(),
	}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
		ctx = logger.WithRunID(ctx, report.RunID)
	}

	ctx, span := d.tracer.Start(ctx, "Dispatcher.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", report.RunID), attribute.String("since", report.Since))

	tenants, err := d.tenants.All(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tenant registry unavailable")
		metrics.RunsTotal.WithLabelValues("deliver", "error").Inc()
		return report, fmt.Errorf("读取租户注册表失败: %w", err)
	}

	for _, t := range tenants {
		if ctx.Err() != nil {
			report.Tenants = append(report.Tenants, TenantDelivery{Tenant: t.Name, Err: ctx.Err()})
			continue
		}
		report.Tenants = append(report.Tenants, d.deliverTenant(ctx, t, report.Since))
	}

	report.FinishedAt = d.clk.Now()
	status := "ok"
	if report.Err() != nil {
		status = "partial"
		span.SetStatus(codes.Error, "delivery failures")
	}
	metrics.RunsTotal.WithLabelValues("deliver", status).Inc()
	metrics.RunDuration.WithLabelValues("deliver").Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	sent, failed, skipped := report.Totals()
	logger.FromContext(ctx, d.log).Info("投递完成",
		zap.String("since", report.Since),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
	)
	return report, nil
}

func (d *Dispatcher) deliverTenant(ctx context.Context, t *tenant.Tenant, since string) TenantDelivery {
	res := TenantDelivery{Tenant: t.Name}
	ctx = logger.WithTenant(tenant.WithTenant(ctx, t), t.Name)
	log := logger.FromContext(ctx, d.log)

	records, err := d.store.ListPending(ctx, t, since)
	if err != nil {
		res.Err = fmt.Errorf("tenant %s: %w", t.Name, err)
		log.Error("读取待投递汇总失败", zap.Error(err))
		return res
	}
	res.Pending = len(records)

	for _, rec := range records {
		if !rec.IsPending() {
			continue
		}
		switch outcome, deliverErr := d.deliverRecord(ctx, rec); outcome {
		case OutcomeSent:
			if err := d.store.MarkSent(ctx, t, rec.ID); err != nil {
				res.Err = multierr.Append(res.Err, err)
				log.Error("更新发送状态失败", zap.String("aggregate_id", rec.ID), zap.Error(err))
				continue
			}
			res.Sent++
		case OutcomeFailed:
			reason := deliverErr.Error()
			if err := d.store.MarkFailed(ctx, t, rec.ID, reason); err != nil {
				res.Err = multierr.Append(res.Err, err)
				log.Error("更新失败状态失败", zap.String("aggregate_id", rec.ID), zap.Error(err))
				continue
			}
			res.Failed++
		default:
			res.Skipped++
		}
	}
	return res
}

// deliverRecord 逐渠道发送
// 任一渠道发送出错则整条记录失败；至少一个渠道成功则为已发送；全部跳过则保持待投递
func (d *Dispatcher) deliverRecord(ctx context.Context, rec *aggregate.EscalationAggregate) (outcome Outcome, err error) {
	log := logger.FromContext(ctx, d.log).With(
		zap.String("aggregate_id", rec.ID),
		zap.String("email", rec.Email),
	)
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeFailed, fmt.Errorf("panic: %v", r)
			log.Error("投递异常", logger.Category(logger.CategoryDelivery), zap.Any("panic", r))
		}
	}()

	if len(rec.Channels) == 0 {
		return OutcomeFailed, errNoChannels
	}

	delivered := 0
	var errs error
	for _, ch := range rec.Channels {
		sender, ok := d.senders[ch]
		if !ok {
			metrics.DeliveriesTotal.WithLabelValues(ch, "skipped").Inc()
			log.Warn("渠道未启用，跳过", logger.Category(logger.CategoryDelivery), zap.String("channel", ch))
			continue
		}

		start := time.Now()
		sendErr := sender.Send(ctx, rec)
		metrics.DeliveryDuration.WithLabelValues(ch).Observe(time.Since(start).Seconds())

		switch {
		case sendErr == nil:
			delivered++
			metrics.DeliveriesTotal.WithLabelValues(ch, "sent").Inc()
		case IsSkip(sendErr):
			metrics.DeliveriesTotal.WithLabelValues(ch, "skipped").Inc()
			log.Warn("渠道前置条件不满足，跳过", logger.Category(logger.CategoryDelivery), zap.String("channel", ch), zap.Error(sendErr))
		default:
			metrics.DeliveriesTotal.WithLabelValues(ch, "failed").Inc()
			log.Error("渠道发送失败", logger.Category(logger.CategoryDelivery), zap.String("channel", ch), zap.Error(sendErr))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch, sendErr))
		}
	}

	switch {
	case errs != nil:
		return OutcomeFailed, errs
	case delivered > 0:
		return OutcomeSent, nil
	default:
		return OutcomePending, nil
	}
}
