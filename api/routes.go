package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/infra/queue"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/metrics"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/worker/handlers"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/worker/tasks"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PoolStats 租户连接池统计
type PoolStats interface {
	Len() int
}

// Deps 运维路由依赖
type Deps struct {
	DB    *gorm.DB
	Redis redis.UniversalClient // 可选
	Pool  PoolStats             // 可选

	// Queue 非空时手动触发改为入队，由 Worker 执行；否则在请求内同步执行
	Queue      queue.Client
	Aggregator handlers.AggregateRunner
	Dispatcher handlers.DeliverRunner
	// RunLock 与进程内调度器共用，保证运行不重叠
	RunLock sync.Locker

	Logger *zap.Logger
}

// RunResponse 手动触发响应
type RunResponse struct {
	RunID  string      `json:"run_id"`
	TaskID string      `json:"task_id,omitempty"`
	Report interface{} `json:"report,omitempty"`
	Errors string      `json:"errors,omitempty"`
}

// NewRouter 创建运维 HTTP 路由
func NewRouter(d *Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.RunLock == nil {
		d.RunLock = &sync.Mutex{}
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), RequestLogger(d.Logger), metrics.PrometheusMiddleware())

	router.GET("/healthz", HealthCheck())
	router.GET("/readyz", ReadinessCheck(d))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	runs := router.Group("/internal/runs")
	{
		runs.POST("/aggregate", triggerAggregate(d))
		runs.POST("/deliver", triggerDeliver(d))
	}
	return router
}

func triggerAggregate(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := requestIDFrom(c)
		if d.Queue != nil {
			enqueue(c, d, runID, d.Queue.EnqueueAggregate)
			return
		}

		ctx := logger.WithRunID(detached(c), runID)
		d.RunLock.Lock()
		report, err := d.Aggregator.Run(ctx)
		d.RunLock.Unlock()
		if err != nil {
			d.Logger.Error("手动聚合失败", zap.String("run_id", runID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"run_id": runID, "error": err.Error()})
			return
		}
		resp := RunResponse{RunID: runID, Report: report}
		if rerr := report.Err(); rerr != nil {
			resp.Errors = rerr.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

func triggerDeliver(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := requestIDFrom(c)
		if d.Queue != nil {
			enqueue(c, d, runID, d.Queue.EnqueueDeliver)
			return
		}

		ctx := logger.WithRunID(detached(c), runID)
		d.RunLock.Lock()
		report, err := d.Dispatcher.Run(ctx)
		d.RunLock.Unlock()
		if err != nil {
			d.Logger.Error("手动投递失败", zap.String("run_id", runID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"run_id": runID, "error": err.Error()})
			return
		}
		resp := RunResponse{RunID: runID, Report: report}
		if rerr := report.Err(); rerr != nil {
			resp.Errors = rerr.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

type enqueueFunc func(ctx context.Context, payload tasks.RunPayload) (string, error)

func enqueue(c *gin.Context, d *Deps, runID string, fn enqueueFunc) {
	taskID, err := fn(c.Request.Context(), tasks.RunPayload{RunID: runID, Trigger: "api"})
	if err != nil {
		d.Logger.Error("任务入队失败", zap.String("run_id", runID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"run_id": runID, "error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, RunResponse{RunID: runID, TaskID: taskID})
}
