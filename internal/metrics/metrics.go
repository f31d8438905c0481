package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 运维 API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_api_requests_total",
			Help: "运维 API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escalation_api_request_duration_seconds",
			Help:    "运维 API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 聚合流程指标
var (
	// RunsTotal 聚合/投递运行次数
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_runs_total",
			Help: "聚合与投递运行次数",
		},
		[]string{"kind", "status"}, // kind: aggregate, deliver
	)

	// RunDuration 单次运行耗时（秒）
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escalation_run_duration_seconds",
			Help:    "单次运行耗时分布",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind"},
	)

	// WorkflowsEvaluated 按结果统计工作流
	WorkflowsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_workflows_evaluated_total",
			Help: "已评估的工作流数量",
		},
		[]string{"tenant", "outcome"}, // outcome: matched, empty, skipped, auth_error, invalid, api_error
	)

	// ItemsMatched 命中的条目数量
	ItemsMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_items_matched_total",
			Help: "命中的条目数量",
		},
		[]string{"tenant", "module"},
	)

	// AggregatesWritten 写入的汇总记录数
	AggregatesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_aggregates_written_total",
			Help: "写入的汇总记录数",
		},
		[]string{"tenant"},
	)

	// UnknownFilters 未识别的过滤条件
	UnknownFilters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_unknown_filters_total",
			Help: "未识别的过滤条件数量",
		},
		[]string{"filter_by"},
	)
)

// 投递指标
var (
	// DeliveriesTotal 按渠道与结果统计投递
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalation_deliveries_total",
			Help: "渠道投递次数",
		},
		[]string{"channel", "outcome"}, // outcome: sent, skipped, failed
	)

	// DeliveryDuration 渠道发送耗时（秒）
	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "escalation_delivery_duration_seconds",
			Help:    "渠道发送耗时分布",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)
)

// 系统指标
var (
	// BuildInfo 构建信息
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escalation_build_info",
			Help: "构建信息",
		},
		[]string{"version", "go_version", "commit"},
	)
)

// RecordBuildInfo 记录构建信息
func RecordBuildInfo(version, goVersion, commit string) {
	BuildInfo.WithLabelValues(version, goVersion, commit).Set(1)
}
