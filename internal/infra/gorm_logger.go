package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/logger"

	"go.uber.org/zap"
	gormLogger "gorm.io/gorm/logger"
)

// maxLoggedSQL 超长语句（如批量写入汇总）截断后记录
const maxLoggedSQL = 2048

// GormZapLogger 把 gorm 日志写入 zap，并带上调用方上下文中的 run_id 与 tenant
type GormZapLogger struct {
	ZapLogger                 *zap.Logger
	LogLevel                  gormLogger.LogLevel
	SlowThreshold             time.Duration
	IgnoreRecordNotFoundError bool
}

// NewGormLogger 中心库与租户库共用的 gorm 日志
func NewGormLogger(log *zap.Logger, slow time.Duration) *GormZapLogger {
	return &GormZapLogger{
		ZapLogger:                 log.Named("gorm"),
		LogLevel:                  gormLogger.Warn,
		SlowThreshold:             slow,
		IgnoreRecordNotFoundError: true,
	}
}

func (l *GormZapLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	cp := *l
	cp.LogLevel = level
	return &cp
}

func (l *GormZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Info {
		l.scoped(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *GormZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Warn {
		l.scoped(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *GormZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Error {
		l.scoped(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

// Trace 出错与慢查询总是记录；其余语句仅在 Info 级别下以 Debug 输出
func (l *GormZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormLogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	failed := err != nil && !(l.IgnoreRecordNotFoundError && errors.Is(err, gormLogger.ErrRecordNotFound))
	slow := l.SlowThreshold > 0 && elapsed > l.SlowThreshold
	if !failed && !slow && l.LogLevel < gormLogger.Info {
		return
	}

	sql, rows := fc()
	if len(sql) > maxLoggedSQL {
		sql = sql[:maxLoggedSQL] + "...(truncated)"
	}
	fields := []zap.Field{zap.Duration("elapsed", elapsed), zap.String("sql", sql)}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows", rows))
	}

	log := l.scoped(ctx)
	switch {
	case failed:
		log.Error("SQL 执行错误", append(fields, zap.Error(err))...)
	case slow:
		log.Warn("SQL 慢查询", append(fields, zap.Duration("threshold", l.SlowThreshold))...)
	default:
		log.Debug("SQL 执行", fields...)
	}
}

func (l *GormZapLogger) scoped(ctx context.Context) *zap.Logger {
	return logger.FromContext(ctx, l.ZapLogger)
}
