package infra

import (
	"fmt"
	"strings"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/config"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PoolOptions 连接池参数
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenCentral 打开中心库（租户注册表与用户目录所在库）
func OpenCentral(cfg *config.DatabaseConfig, log *zap.Logger) (*gorm.DB, error) {
	var location string
	switch cfg.Driver {
	case "", "postgres":
		location = cfg.GetDSN()
	case "sqlite":
		location = "sqlite://" + cfg.Path
	default:
		return nil, fmt.Errorf("不支持的数据库驱动: %s (可选: postgres, sqlite)", cfg.Driver)
	}

	db, err := OpenLocation(location, log, PoolOptions{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetime) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	log.Info("中心库连接成功",
		zap.String("driver", cfg.Driver),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.DBName),
	)
	return db, nil
}

// OpenLocation 按存储位置打开 gorm 连接
// 支持 postgres://...、host=... 形式的 DSN 以及 sqlite://path / file:... 形式
func OpenLocation(location string, log *zap.Logger, opts PoolOptions) (*gorm.DB, error) {
	dialector, err := dialectorFor(location)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(log, 200*time.Millisecond),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 SQL DB 失败: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}
	return db, nil
}

func dialectorFor(location string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(location, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(location, "sqlite://")), nil
	case strings.HasPrefix(location, "file:"):
		return sqlite.Open(location), nil
	case strings.HasPrefix(location, "postgres://"),
		strings.HasPrefix(location, "postgresql://"),
		strings.Contains(location, "host="):
		return postgres.Open(location), nil
	default:
		return nil, fmt.Errorf("无法识别的存储位置: %q", redact(location))
	}
}

// redact 去掉 DSN 中的凭证部分，仅用于日志与错误信息
func redact(location string) string {
	if i := strings.Index(location, "@"); i > 0 {
		if j := strings.Index(location, "://"); j > 0 && j < i {
			return location[:j+3] + "***" + location[i:]
		}
	}
	return location
}

// AutoMigrate 执行自动迁移
func AutoMigrate(db *gorm.DB, log *zap.Logger, models ...interface{}) error {
	log.Info("开始执行数据库自动迁移", zap.Int("models", len(models)))
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	return nil
}

// Close 关闭 gorm 底层连接
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping 数据库健康检查
func Ping(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("数据库未初始化")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
