package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/api"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/acc"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/aggregate"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/config"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/credential"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/directory"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/dispatch"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/infra"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/infra/queue"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/notification"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/pipeline"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/scheduler"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/tenant"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/worker"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/workflow"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"gorm.io/gorm"
)

const registryCacheTTL = 5 * time.Minute

// App 进程内组装好的全部组件
type App struct {
	central   *gorm.DB
	pool      *infra.TenantPool
	rdb       redis.UniversalClient
	queue     queue.Client
	registry  *tenant.CachedRegistry
	aggregate *poolRefreshing[*pipeline.RunReport]
	deliver   *poolRefreshing[*dispatch.DeliveryReport]
	runLock   sync.Mutex
	scheduler scheduler.Scheduler
	worker    *worker.Server
	log       *zap.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	clk := clock.New()
	loc := cfg.Location()
	app := &App{log: log}

	central, err := infra.OpenCentral(&cfg.Database, log)
	if err != nil {
		return nil, err
	}
	app.central = central
	if cfg.Database.AutoMigrate {
		if err := infra.AutoMigrate(central, log, &tenant.Tenant{}, &directory.User{}); err != nil {
			return nil, err
		}
	}

	// Redis：asynq 模式必需；本地模式下仅用于 2-legged 令牌缓存，不可用时退回内存
	rdb, err := infra.NewRedis(&cfg.Redis, log)
	switch {
	case err == nil:
		app.rdb = rdb
	case cfg.Scheduler.Mode == "asynq":
		return nil, fmt.Errorf("asynq 模式需要 Redis: %w", err)
	default:
		log.Warn("Redis 不可用，使用内存令牌缓存", zap.Error(err))
	}

	app.registry = tenant.NewCachedRegistry(tenant.NewRegistry(central), registryCacheTTL, clk)
	tenants, err := app.registry.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取租户注册表失败: %w", err)
	}
	app.pool = infra.NewTenantPool(log, infra.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
	}, &workflow.Workflow{}, &aggregate.EscalationAggregate{}, &credential.Credential{})
	if err := app.pool.Init(ctx, tenants); err != nil {
		// 单租户库不可用不阻止启动，其运行时会在报告中记为失败
		log.Warn("部分租户库初始化失败", zap.Error(err))
	}

	// 凭证
	hc := &http.Client{Timeout: cfg.ACC.RequestTimeout}
	var tokenCache credential.TokenCache = credential.NewMemoryTokenCache(clk)
	if app.rdb != nil {
		tokenCache = credential.NewRedisTokenCache(app.rdb)
	}
	twoLegged := credential.NewTwoLeggedSource(clientcredentials.Config{
		ClientID:     cfg.ACC.ClientID,
		ClientSecret: cfg.ACC.ClientSecret,
		TokenURL:     cfg.ACC.TokenURL,
		Scopes:       cfg.ACC.Scopes,
	}, tokenCache, clk, cfg.Pipeline.ExpiryBuffer, hc)
	creds := credential.NewManager(
		credential.NewStore(app.pool),
		credential.NewOAuth2Refresher(cfg.ACC.ClientID, cfg.ACC.ClientSecret, cfg.ACC.TokenURL, cfg.ACC.Scopes, hc),
		twoLegged, clk, cfg.Pipeline.ExpiryBuffer, log,
	)

	// 聚合
	accClient, err := acc.NewClient(cfg.ACC, log)
	if err != nil {
		return nil, err
	}
	aggStore := aggregate.NewStore(app.pool)
	aggregator := pipeline.NewAggregator(
		app.registry,
		workflow.NewStore(app.pool),
		creds,
		acc.NewMatcher(accClient, clk, loc, log),
		directory.NewResolver(central),
		aggStore,
		pipeline.Options{
			Concurrency: cfg.Pipeline.TenantConcurrency,
			Dedupe:      cfg.Pipeline.DedupeItems,
			Location:    loc,
			RunTimeout:  cfg.Pipeline.RunTimeout,
		},
		clk, log,
	)

	// 投递
	var senders []dispatch.Sender
	if cfg.WhatsApp.Enabled {
		senders = append(senders, dispatch.NewWhatsAppSender(notification.NewWhatsAppClient(cfg.WhatsApp, log), cfg.Dispatch.DeepLinkBase))
	}
	if cfg.Email.Enabled {
		senders = append(senders, dispatch.NewEmailSender(notification.NewEmailService(cfg.Email, log), dispatch.NewDirReportSource(cfg.Report.Dir)))
	}
	dispatcher := dispatch.NewDispatcher(app.registry, aggStore, senders, dispatch.Options{
		LookbackDays: cfg.Dispatch.LookbackDays,
		Location:     loc,
	}, clk, log)

	app.aggregate = &poolRefreshing[*pipeline.RunReport]{app: app, run: aggregator.Run}
	app.deliver = &poolRefreshing[*dispatch.DeliveryReport]{app: app, run: dispatcher.Run}

	// 调度
	switch cfg.Scheduler.Mode {
	case "asynq":
		redisOpt := infra.AsynqRedisOpt(cfg.Redis)
		app.queue = queue.NewClient(redisOpt)
		app.worker = worker.NewServer(redisOpt, app.aggregate, app.deliver, log)
		app.scheduler, err = scheduler.NewDistributed(redisOpt, loc, cfg.Scheduler.AggregateSpec, cfg.Scheduler.DeliverSpec, cfg.Pipeline.RunTimeout, log)
	default:
		app.scheduler, err = app.localScheduler(cfg, loc, clk)
	}
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) localScheduler(cfg *config.Config, loc *time.Location, clk clock.Clock) (scheduler.Scheduler, error) {
	aggTrigger, err := scheduler.NewCronTrigger(cfg.Scheduler.AggregateSpec, loc)
	if err != nil {
		return nil, err
	}
	delTrigger, err := scheduler.NewCronTrigger(cfg.Scheduler.DeliverSpec, loc)
	if err != nil {
		return nil, err
	}
	s, err := scheduler.NewLocal(clk, a.log,
		scheduler.Job{Name: "aggregate", Trigger: aggTrigger, Run: func(ctx context.Context) error {
			_, err := a.aggregate.Run(ctx)
			return err
		}},
		scheduler.Job{Name: "deliver", Trigger: delTrigger, Run: func(ctx context.Context) error {
			_, err := a.deliver.Run(ctx)
			return err
		}},
	)
	if err != nil {
		return nil, err
	}
	a.log.Info("本地调度已配置",
		zap.Times("aggregate_next", scheduler.NextRuns(aggTrigger, clk.Now(), 3)),
		zap.Times("deliver_next", scheduler.NextRuns(delTrigger, clk.Now(), 3)),
	)
	return s.WithLock(&a.runLock), nil
}

func (a *App) apiDeps() *api.Deps {
	return &api.Deps{
		DB:         a.central,
		Redis:      a.rdb,
		Pool:       a.pool,
		Queue:      a.queue,
		Aggregator: a.aggregate,
		Dispatcher: a.deliver,
		RunLock:    &a.runLock,
		Logger:     a.log.Named("api"),
	}
}

// Close 释放连接
func (a *App) Close() {
	var errs error
	if a.queue != nil {
		errs = multierr.Append(errs, a.queue.Close())
	}
	if a.pool != nil {
		errs = multierr.Append(errs, a.pool.Close())
	}
	if a.rdb != nil {
		errs = multierr.Append(errs, a.rdb.Close())
	}
	errs = multierr.Append(errs, infra.Close(a.central))
	if errs != nil {
		a.log.Error("关闭连接异常", zap.Error(errs))
	}
}

// poolRefreshing 每次运行前让租户连接池与注册表对齐（注册表缓存 registryCacheTTL）
type poolRefreshing[R any] struct {
	app *App
	run func(ctx context.Context) (R, error)
}

func (p *poolRefreshing[R]) Run(ctx context.Context) (R, error) {
	if tenants, err := p.app.registry.All(ctx); err == nil {
		if err := p.app.pool.Refresh(ctx, tenants); err != nil {
			p.app.log.Warn("租户连接池刷新存在错误", zap.Error(err))
		}
	}
	return p.run(ctx)
}
