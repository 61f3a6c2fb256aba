package storage

import (
	"context"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"feedmod/internal/ctxkeys"
	"feedmod/internal/logger"
)

// slowThreshold 超过该耗时的 SQL 记为慢查询
const slowThreshold = 500 * time.Millisecond

// GormLogger 把 gorm 日志转到应用日志，附带上下文中的请求ID
type GormLogger struct {
	log   logger.Logger
	level gormlogger.LogLevel
}

// NewGormLogger 默认只输出告警与错误
func NewGormLogger(l logger.Logger) *GormLogger {
	if l == nil {
		l = logger.NewNop()
	}
	return &GormLogger{log: l, level: gormlogger.Warn}
}

// LogMode 返回指定级别的副本
func (g *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(msg, withTrace(ctx, "data", data)...)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(msg, withTrace(ctx, "data", data)...)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(msg, withTrace(ctx, "data", data)...)
	}
}

// Trace 记录每条 SQL；记录不存在不算错误
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	kv := withTrace(ctx, "sql", sql, "rows", rows, "elapsed", elapsed)

	switch {
	case err != nil && err != gormlogger.ErrRecordNotFound && g.level >= gormlogger.Error:
		g.log.Err(err, "SQL执行失败", kv...)
	case elapsed > slowThreshold && g.level >= gormlogger.Warn:
		g.log.Warn("慢SQL", kv...)
	case g.level >= gormlogger.Info:
		g.log.Debug("SQL", kv...)
	}
}

func withTrace(ctx context.Context, kv ...any) []any {
	if ctx == nil {
		return kv
	}
	if id, ok := ctx.Value(ctxkeys.TraceIDKey{}).(string); ok && id != "" {
		return append([]any{"requestID", id}, kv...)
	}
	return kv
}
