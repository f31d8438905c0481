package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scheduler 后台调度器
type Scheduler interface {
	Run(ctx context.Context) error
}

// Job 一个按 Trigger 周期执行的任务
type Job struct {
	Name    string
	Trigger Trigger
	Run     func(ctx context.Context) error
}

// Local 进程内调度器
// 所有任务共用一把锁，任意时刻只有一个任务在执行
type Local struct {
	jobs []Job
	clk  clock.Clock
	log  *zap.Logger
	lock sync.Locker
}

// NewLocal 创建进程内调度器
func NewLocal(clk clock.Clock, log *zap.Logger, jobs ...Job) (*Local, error) {
	if clk == nil {
		clk = clock.New()
	}
	for _, j := range jobs {
		if j.Name == "" || j.Trigger == nil || j.Run == nil {
			return nil, fmt.Errorf("scheduler: incomplete job %q", j.Name)
		}
	}
	return &Local{jobs: jobs, clk: clk, log: log.Named("scheduler"), lock: &sync.Mutex{}}, nil
}

// WithLock 与其它触发入口（如运维 API 手动触发）共用互斥锁
func (s *Local) WithLock(l sync.Locker) *Local {
	s.lock = l
	return s
}

// Run 阻塞直到 ctx 取消
func (s *Local) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	s.log.Info("调度器已启动", zap.Int("jobs", len(s.jobs)))
	wg.Wait()
	s.log.Info("调度器已停止")
	return nil
}

func (s *Local) loop(ctx context.Context, j Job) {
	for {
		now := s.clk.Now()
		next := j.Trigger.Next(now)
		if next.IsZero() {
			s.log.Warn("任务不再有下一次触发时间", zap.String("job", j.Name))
			return
		}
		timer := s.clk.Timer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.fire(ctx, j)
	}
}

func (s *Local) fire(ctx context.Context, j Job) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ctx.Err() != nil {
		return
	}

	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx, s.log).With(zap.String("job", j.Name))

	start := s.clk.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("任务 panic", zap.Any("panic", r))
		}
	}()

	log.Info("触发任务")
	if err := j.Run(ctx); err != nil {
		log.Error("任务执行失败", zap.Error(err))
		return
	}
	log.Info("任务完成", zap.Duration("elapsed", s.clk.Now().Sub(start)))
}

// NextRuns 预览接下来 n 次触发时间
func NextRuns(t Trigger, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		from = t.Next(from)
		if from.IsZero() {
			break
		}
		out = append(out, from)
	}
	return out
}
