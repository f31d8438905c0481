// Package pipeline 每日聚合：扫描各租户当天到期的工作流，匹配条目并按收件人合并为汇总记录
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/acc"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/aggregate"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/credential"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/directory"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/metrics"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/workflow"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TokenProvider 为工作流 owner 提供外部 API 令牌
type TokenProvider interface {
	TokenFor(ctx context.Context, t *tenant.Tenant, ownerUserID string) (string, error)
}

// ItemMatcher 工作流匹配
type ItemMatcher interface {
	Match(ctx context.Context, w *workflow.Workflow, token string) acc.Match
}

// WorkflowLister 租户内启用的工作流
type WorkflowLister interface {
	ListActive(ctx context.Context, t *tenant.Tenant) ([]*workflow.Workflow, error)
}

// AggregateWriter 汇总写入
type AggregateWriter interface {
	InsertBatch(ctx context.Context, t *tenant.Tenant, entries []*aggregate.EscalationAggregate) error
}

// Options 聚合参数
type Options struct {
	// Concurrency 同时处理的租户数
	Concurrency int
	// Dedupe 合并时是否去重同一项目同一模块的条目编号
	Dedupe   bool
	Location *time.Location
	// RunTimeout 单次运行上限，0 表示不限制
	RunTimeout time.Duration
}

// Aggregator 聚合器
type Aggregator struct {
	tenants   tenant.Registry
	workflows WorkflowLister
	tokens    TokenProvider
	matcher   ItemMatcher
	resolver  directory.Resolver
	store     AggregateWriter
	opts      Options
	clk       clock.Clock
	tracer    trace.Tracer
	log       *zap.Logger
}

// NewAggregator 创建聚合器
func NewAggregator(
	tenants tenant.Registry,
	workflows WorkflowLister,
	tokens TokenProvider,
	matcher ItemMatcher,
	resolver directory.Resolver,
	store AggregateWriter,
	opts Options,
	clk clock.Clock,
	log *zap.Logger,
) *Aggregator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{
		tenants:   tenants,
		workflows: workflows,
		tokens:    tokens,
		matcher:   matcher,
		resolver:  resolver,
		store:     store,
		opts:      opts,
		clk:       clk,
		tracer:    otel.Tracer("accaddons/internal/pipeline"),
		log:       log.Named("aggregator"),
	}
}

// Run 执行一次聚合
//
// 租户在有界并发下处理，彼此隔离；每个租户扫描结束后立即在单个事务内写入其汇总。
// 返回的 error 仅表示整次运行无法进行（如注册表不可读），租户级错误见 RunReport.Err。
func (a *Aggregator) Run(ctx context.Context) (*RunReport, error) {
	if a.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.RunTimeout)
		defer cancel()
	}

	today := a.clk.Now().In(a.opts.Location)
	report := &RunReport{
		RunID:     logger.RunID(ctx),
		Date:      today.Format("2006-01-02"),
		Weekday:   string(workflow.WeekdayOf(today)),
		StartedAt: a.clk.Now(),
	}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
		ctx = logger.WithRunID(ctx, report.RunID)
	}

	ctx, span := a.tracer.Start(ctx, "Aggregator.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("date", report.Date),
	)

	log := logger.FromContext(ctx, a.log)
	log.Info("开始聚合", zap.String("date", report.Date), zap.String("weekday", report.Weekday))

	tenants, err := a.tenants.All(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tenant registry unavailable")
		metrics.RunsTotal.WithLabelValues("aggregate", "error").Inc()
		return report, fmt.Errorf("读取租户注册表失败: %w", err)
	}

	report.Tenants = make([]TenantReport, len(tenants))
	var g errgroup.Group
	g.SetLimit(a.opts.Concurrency)
	for i, t := range tenants {
		i, t := i, t
		g.Go(func() error {
			report.Tenants[i] = a.processTenant(ctx, t, today)
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = a.clk.Now()
	status := "ok"
	if errs := report.Err(); errs != nil {
		status = "partial"
		span.SetStatus(codes.Error, "tenant failures")
	}
	metrics.RunsTotal.WithLabelValues("aggregate", status).Inc()
	metrics.RunDuration.WithLabelValues("aggregate").Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	log.Info("聚合完成",
		zap.Int("tenants", len(report.Tenants)),
		zap.Int("tenants_failed", report.Failed()),
		zap.Int("aggregates", report.Aggregates()),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

type bufferKey struct {
	email        string
	templateType string
}

// buffer 租户内按收件人合并的汇总，保持首次出现的顺序
type buffer struct {
	entries map[bufferKey]*aggregate.EscalationAggregate
	order   []bufferKey
}

func newBuffer() *buffer {
	return &buffer{entries: make(map[bufferKey]*aggregate.EscalationAggregate)}
}

func (b *buffer) getOrCreate(key bufferKey, build func() *aggregate.EscalationAggregate) *aggregate.EscalationAggregate {
	if e, ok := b.entries[key]; ok {
		return e
	}
	e := build()
	b.entries[key] = e
	b.order = append(b.order, key)
	return e
}

func (b *buffer) values() []*aggregate.EscalationAggregate {
	out := make([]*aggregate.EscalationAggregate, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.entries[k])
	}
	return out
}

func (a *Aggregator) processTenant(ctx context.Context, t *tenant.Tenant, today time.Time) (rep TenantReport) {
	rep.Tenant = t.Name
	ctx = tenant.WithTenant(ctx, t)
	ctx = logger.WithTenant(ctx, t.Name)
	log := logger.FromContext(ctx, a.log)

	ctx, span := a.tracer.Start(ctx, "Aggregator.Tenant")
	defer span.End()
	span.SetAttributes(attribute.String("tenant", t.Name))

	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("tenant %s: panic: %v", t.Name, r)
			log.Error("租户处理异常", zap.Any("panic", r))
		}
		if rep.Err != nil {
			span.RecordError(rep.Err)
			span.SetStatus(codes.Error, "tenant failed")
		}
	}()

	workflows, err := a.workflows.ListActive(ctx, t)
	if err != nil {
		rep.Err = fmt.Errorf("tenant %s: %w", t.Name, err)
		log.Error("读取工作流失败", zap.Error(err))
		return rep
	}
	rep.Workflows = len(workflows)

	weekday := workflow.WeekdayOf(today)
	date := today.Format("2006-01-02")
	buf := newBuffer()

	for _, w := range workflows {
		if err := ctx.Err(); err != nil {
			rep.Err = fmt.Errorf("tenant %s: %w", t.Name, err)
			return rep
		}
		a.evaluate(ctx, t, w, weekday, date, buf, &rep)
	}

	entries := buf.values()
	for _, e := range entries {
		a.resolvePhone(ctx, e)
	}
	if err := a.store.InsertBatch(ctx, t, entries); err != nil {
		rep.Err = fmt.Errorf("tenant %s: %w", t.Name, err)
		log.Error("写入汇总失败", zap.Int("entries", len(entries)), zap.Error(err))
		return rep
	}
	rep.Aggregates = len(entries)
	metrics.AggregatesWritten.WithLabelValues(t.Name).Add(float64(len(entries)))

	log.Info("租户聚合完成",
		zap.Int("workflows", rep.Workflows),
		zap.Int("evaluated", rep.Evaluated),
		zap.Int("aggregates", rep.Aggregates),
	)
	return rep
}

func (a *Aggregator) evaluate(ctx context.Context, t *tenant.Tenant, w *workflow.Workflow, weekday workflow.Weekday, date string, buf *buffer, rep *TenantReport) {
	log := logger.FromContext(ctx, a.log).With(zap.String("workflow_id", w.ID))

	if !w.IsActive() || !w.RunsOn(weekday) {
		rep.Skipped++
		metrics.WorkflowsEvaluated.WithLabelValues(t.Name, "skipped").Inc()
		return
	}
	if err := w.Validate(); err != nil {
		rep.Invalid++
		metrics.WorkflowsEvaluated.WithLabelValues(t.Name, "invalid").Inc()
		log.Warn("工作流定义无效，跳过", logger.Category(logger.CategoryValidation), zap.Error(err))
		return
	}
	rep.Evaluated++

	token, err := a.tokens.TokenFor(ctx, t, w.CreatedBy)
	if err != nil {
		if errors.Is(err, credential.ErrAuth) {
			rep.AuthFailures++
			rep.Err = multierr.Append(rep.Err, fmt.Errorf("workflow %s: %w", w.ID, err))
			metrics.WorkflowsEvaluated.WithLabelValues(t.Name, "auth_error").Inc()
			log.Error("需要重新授权", logger.Category(logger.CategoryAuth), zap.String("owner", w.CreatedBy), zap.Error(err))
			return
		}
		rep.APIFailures++
		metrics.WorkflowsEvaluated.WithLabelValues(t.Name, "api_error").Inc()
		log.Warn("获取令牌失败", logger.Category(logger.CategoryTransientAPI), zap.Error(err))
		return
	}

	m := a.matcher.Match(ctx, w, token)
	for _, u := range m.Unknown {
		raw, _ := json.Marshal(u.Raw)
		rep.Unknown = append(rep.Unknown, UnknownFilter{
			WorkflowID: w.ID,
			FilterBy:   u.Raw.FilterBy,
			Reason:     u.Reason,
			Raw:        raw,
		})
		metrics.UnknownFilters.WithLabelValues(u.Raw.FilterBy).Inc()
	}
	if m.Err != nil {
		rep.APIFailures++
		metrics.WorkflowsEvaluated.WithLabelValues(t.Name, "api_error").Inc()
		return
	}
	if len(m.IDs) == 0 {
		metrics.WorkflowsEvaluated.WithLabelValues(t.Name, "empty").Inc()
		return
	}
	metrics.WorkflowsEvaluated.WithLabelValues(t.Name, "matched").Inc()
	metrics.ItemsMatched.WithLabelValues(t.Name, string(w.Module)).Add(float64(len(m.IDs)))
	rep.ItemsMatched += len(m.IDs)

	templateType := string(w.Type)
	if templateType == "" {
		templateType = string(workflow.TypeEscalation)
	}
	for _, r := range w.RecipientUsers() {
		email := directory.NormalizeEmail(r.Email)
		if email == "" {
			log.Warn("收件人缺少邮箱，跳过", logger.Category(logger.CategoryValidation), zap.String("user_id", r.ID))
			continue
		}
		entry := buf.getOrCreate(bufferKey{email: email, templateType: templateType}, func() *aggregate.EscalationAggregate {
			return &aggregate.EscalationAggregate{
				Email:          email,
				ExternalUserID: r.ID,
				Aggregate:      map[string]aggregate.ModuleItems{},
				TemplateType:   templateType,
				Tenant:         t.Name,
				Date:           date,
			}
		})
		if entry.ExternalUserID == "" {
			entry.ExternalUserID = r.ID
		}
		items := entry.Aggregate[w.ProjectID]
		items.Add(string(w.Module), m.IDs, a.opts.Dedupe)
		entry.Aggregate[w.ProjectID] = items
		for _, ch := range w.Channels {
			if !entry.HasChannel(string(ch)) {
				entry.Channels = append(entry.Channels, string(ch))
			}
		}
	}
}

// resolvePhone 查询失败不影响汇总写入，phone 置空
func (a *Aggregator) resolvePhone(ctx context.Context, e *aggregate.EscalationAggregate) {
	phone, err := a.resolver.Resolve(ctx, e.Email)
	if err != nil {
		logger.FromContext(ctx, a.log).Warn("解析收件人手机号失败",
			zap.String("email", e.Email),
			zap.Error(err),
		)
		e.Phone = nil
		return
	}
	e.Phone = phone
}
