package worker

import (
	"context"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/worker/handlers"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

// NewServer 创建 asynq Worker 服务器
// 聚合与投递共用一个队列且并发为 1，保证两类运行互不重叠
func NewServer(
	redisOpt asynq.RedisConnOpt,
	aggregator handlers.AggregateRunner,
	dispatcher handlers.DeliverRunner,
	logger *zap.Logger,
) *Server {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 1,
			Queues: map[string]int{
				tasks.Queue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
			Logger: logger.Sugar(),
		},
	)

	mux := NewMux(handlers.NewRunHandler(aggregator, dispatcher, logger))

	return &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}
}

// NewMux 注册任务处理器
func NewMux(h *handlers.RunHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeAggregate, h.HandleAggregate)
	mux.HandleFunc(tasks.TypeDeliver, h.HandleDeliver)
	return mux
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}
