package acc

import (
	"context"
	"net/url"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/filter"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/workflow"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// IssueLister 匹配所需的外部 API 能力
type IssueLister interface {
	ListIssues(ctx context.Context, tenantID, projectID, token string, params url.Values) ([]Issue, error)
}

// Match 单个工作流的匹配结果
type Match struct {
	IDs     []int64
	Unknown []filter.Unknown
	// Err 请求失败时记录原因，IDs 为空
	Err error
}

// Matcher 工作流 → 外部条目匹配器
type Matcher struct {
	lister IssueLister
	clk    clock.Clock
	loc    *time.Location
	log    *zap.Logger
}

// NewMatcher 创建匹配器；日期区间按 loc 时区的"今天"计算
func NewMatcher(lister IssueLister, clk clock.Clock, loc *time.Location, log *zap.Logger) *Matcher {
	if clk == nil {
		clk = clock.New()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Matcher{lister: lister, clk: clk, loc: loc, log: log.Named("matcher")}
}

// MatchItems 返回工作流命中的条目编号；失败时返回空
func (m *Matcher) MatchItems(ctx context.Context, w *workflow.Workflow, token string) []int64 {
	return m.Match(ctx, w, token).IDs
}

// Match 匹配并返回未识别的过滤条件与失败原因
//
// 仅 issues 模块对接了外部 API，forms/reviews 返回空结果。
// 请求失败只记录日志，不向上抛出，单个工作流失败不影响整批。
func (m *Matcher) Match(ctx context.Context, w *workflow.Workflow, token string) Match {
	log := logger.FromContext(ctx, m.log).With(
		zap.String("workflow_id", w.ID),
		zap.String("project_id", w.ProjectID),
	)

	if w.Module != workflow.ModuleIssues {
		log.Debug("模块未对接外部 API，跳过", zap.String("module", string(w.Module)))
		return Match{}
	}

	filters, err := w.ParsedFilters()
	if err != nil {
		log.Warn("工作流过滤条件无法解析", logger.Category(logger.CategoryValidation), zap.Error(err))
		return Match{Err: err}
	}

	now := m.clk.Now().In(m.loc)
	res := filter.Translate(filters, now)
	if w.Type == workflow.TypeNotification {
		if off, ok := w.DueIn.Offset(); ok {
			res = res.WithDueWindow(filter.DayWindow(now, off))
		}
	}
	for _, u := range res.Unknown {
		log.Warn("忽略未识别的过滤条件",
			logger.Category(logger.CategoryValidation),
			zap.String("filter_by", u.Raw.FilterBy),
			zap.Strings("attribute", []string(u.Raw.Attribute)),
			zap.String("reason", u.Reason),
		)
	}

	tenantID := ""
	if t, ok := tenant.FromContext(ctx); ok {
		tenantID = t.ID
	}

	issues, err := m.lister.ListIssues(ctx, tenantID, w.ProjectID, token, res.Params)
	if err != nil {
		log.Warn("外部 API 查询失败，本工作流今日结果为空",
			logger.Category(logger.CategoryTransientAPI),
			zap.Int("partial", len(issues)),
			zap.Error(err),
		)
		return Match{Unknown: res.Unknown, Err: err}
	}

	ids := make([]int64, 0, len(issues))
	for _, is := range issues {
		ids = append(ids, is.DisplayID)
	}
	log.Debug("工作流匹配完成", zap.Int("matched", len(ids)))
	return Match{IDs: ids, Unknown: res.Unknown}
}
