package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// gormZap routes GORM's internal logging (errors, slow statements, optional
// statement tracing) through the daemon's zap logger.
type gormZap struct {
	log   *zap.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

func newGormZap(log *zap.Logger) gormlogger.Interface {
	return &gormZap{
		log:   log.WithOptions(zap.AddCallerSkip(3)),
		level: gormlogger.Warn,
		slow:  250 * time.Millisecond,
	}
}

// LogMode is how GORM scopes a level change (db.Debug() and friends).
func (g *gormZap) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	out := *g
	out.level = level
	return &out
}

func (g *gormZap) Info(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (g *gormZap) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (g *gormZap) Error(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace surfaces failed statements and statements over the slow threshold.
// ErrRecordNotFound is an application-level miss, not a database failure,
// and stays quiet.
func (g *gormZap) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		g.log.Error("query failed", append(fields, zap.Error(err))...)
	case g.slow > 0 && elapsed > g.slow:
		g.log.Warn("slow query", fields...)
	case g.level >= gormlogger.Info:
		g.log.Debug("query", fields...)
	}
}
