package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loom/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// slowQuery is the duration past which a statement is logged as a warning.
const slowQuery = 200 * time.Millisecond

// queryLogger routes GORM output through the application slog logger.
type queryLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

// NewGormLogger returns a GORM logger at level. Missing records are never
// reported; repositories translate them into not-found errors.
func NewGormLogger(level logger.LogLevel) logger.Interface {
	return &queryLogger{log: observability.GlobalLogger, level: level}
}

func (l *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *queryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.printf(ctx, logger.Info, slog.LevelInfo, msg, data)
}

func (l *queryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.printf(ctx, logger.Warn, slog.LevelWarn, msg, data)
}

func (l *queryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.printf(ctx, logger.Error, slog.LevelError, msg, data)
}

func (l *queryLogger) printf(ctx context.Context, min logger.LogLevel, lvl slog.Level, msg string, data []interface{}) {
	if l.level >= min {
		l.log.Log(ctx, lvl, fmt.Sprintf(msg, data...))
	}
}

// Trace reports failed statements, then slow ones, then everything at Info.
func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)

	var (
		lvl slog.Level
		msg string
	)
	switch {
	case failed && l.level >= logger.Error:
		lvl, msg = slog.LevelError, "Query failed"
	case elapsed > slowQuery && l.level >= logger.Warn:
		lvl, msg = slog.LevelWarn, "Slow query"
	case l.level >= logger.Info:
		lvl, msg = slog.LevelDebug, "Query"
	default:
		return
	}

	sql, rows := fc()
	attrs := []slog.Attr{
		slog.String("sql", sql),
		slog.Int64("rows", rows),
		slog.Duration("elapsed", elapsed),
	}
	if failed {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.log.LogAttrs(ctx, lvl, msg, attrs...)
}
