package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

const defaultSlowQuery = 500 * time.Millisecond

// gormLogger sends GORM's trace output through the service logger. Only
// failed and slow statements are logged; missing rows are normal lookups.
type gormLogger struct {
	logg *logger.Logger
	slow time.Duration
}

func newGormLogger(logg *logger.Logger, slow time.Duration) gormlogger.Interface {
	if logg == nil {
		return gormlogger.Discard
	}
	if slow <= 0 {
		slow = defaultSlowQuery
	}
	return &gormLogger{logg: logg, slow: slow}
}

func (g *gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface { return g }

func (g *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	g.logg.Debug(ctx, fmt.Sprintf(msg, args...))
}

func (g *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	g.logg.Warn(ctx, fmt.Sprintf(msg, args...))
}

func (g *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	g.logg.Error(ctx, fmt.Sprintf(msg, args...), nil)
}

func (g *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	notFound := errors.Is(err, gorm.ErrRecordNotFound)
	if (err == nil || notFound) && elapsed < g.slow {
		return
	}
	sql, rows := fc()
	logCtx := g.logg.WithFields(ctx, map[string]any{
		"sql":        sql,
		"rows":       rows,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	if err != nil && !notFound {
		g.logg.Warn(g.logg.WithField(logCtx, "error", err.Error()), "sql statement failed")
		return
	}
	g.logg.Warn(logCtx, "slow sql statement")
}
