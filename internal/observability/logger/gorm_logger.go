package logger

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerConfig configures the query logger installed on the shared *gorm.DB.
type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	// ReportVersionConflicts logs version-guarded UPDATEs that matched no row.
	// Those are lost optimistic writes that the transition engine retries.
	ReportVersionConflicts bool
}

// DefaultGormLoggerConfig returns production-safe defaults.
func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:                  gormlogger.Warn,
		SlowThreshold:          200 * time.Millisecond,
		ReportVersionConflicts: true,
	}
}

// GormLogger routes GORM output through zap. Every entry carries the table
// it touched plus the request, actor and notification fields found on ctx.
// Record-not-found is never an error here: repositories map it to nil.
type GormLogger struct {
	base                   *zap.Logger
	level                  gormlogger.LogLevel
	slowThreshold          time.Duration
	reportVersionConflicts bool
}

// NewGormLogger builds a GormLogger on top of base. A nil base falls back to
// the global logger.
func NewGormLogger(cfg GormLoggerConfig, base *zap.Logger) *GormLogger {
	if base == nil {
		base = zap.L()
	}
	return &GormLogger{
		base:                   base.Named("sql"),
		level:                  cfg.Level,
		slowThreshold:          cfg.SlowThreshold,
		reportVersionConflicts: cfg.ReportVersionConflicts,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	copy := *l
	copy.level = level
	return &copy
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		l.message(ctx, msg, data).Info(msg)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.message(ctx, msg, data).Warn(msg)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		l.message(ctx, msg, data).Error(msg)
	}
}

func (l *GormLogger) message(ctx context.Context, _ string, data []interface{}) *zap.Logger {
	log := WithContext(ctx, l.base)
	if len(data) > 0 {
		log = log.With(zap.Any("data", data))
	}
	return log
}

// Trace logs failed and slow statements, and lost version-guarded writes.
// At Info level every statement is logged at debug.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gormlogger.ErrRecordNotFound):
		sql, rows := fc()
		l.logQuery(ctx, "sql.failed", sql, rows, elapsed, err, zap.ErrorLevel)
	case l.slowThreshold != 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logQuery(ctx, "sql.slow", sql, rows, elapsed, nil, zap.WarnLevel)
	case err == nil && l.reportVersionConflicts && l.level >= gormlogger.Warn:
		sql, rows := fc()
		if rows == 0 && isVersionGuardedUpdate(sql) {
			l.logQuery(ctx, "sql.version_conflict", sql, rows, elapsed, nil, zap.InfoLevel)
			return
		}
		if l.level >= gormlogger.Info {
			l.logQuery(ctx, "sql.query", sql, rows, elapsed, nil, zap.DebugLevel)
		}
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logQuery(ctx, "sql.query", sql, rows, elapsed, nil, zap.DebugLevel)
	}
}

// ParamsFilter drops bound values; payer data and amounts stay out of logs.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) logQuery(ctx context.Context, msg, sql string, rows int64, elapsed time.Duration, err error, level zapcore.Level) {
	sql = strings.TrimSpace(sql)
	fields := []zap.Field{
		zap.String("operation", operationFromSQL(sql)),
		zap.String("table", tableFromSQL(sql)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.String("sql", sql),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	if ce := WithContext(ctx, l.base).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func operationFromSQL(sql string) string {
	normalized := strings.ToUpper(strings.TrimSpace(sql))
	if normalized == "" {
		return "UNKNOWN"
	}
	for _, token := range strings.Fields(normalized) {
		token = strings.Trim(token, "();")
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE":
			return token
		case "WITH":
			continue
		}
	}
	return "UNKNOWN"
}

var tablePattern = regexp.MustCompile(`(?is)\b(?:from|into|update|join)\s+"?([a-z_][a-z0-9_]*)"?`)

// tableFromSQL returns the first table named by the statement.
func tableFromSQL(sql string) string {
	m := tablePattern.FindStringSubmatch(sql)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

var versionGuard = regexp.MustCompile(`(?is)^\s*update\b.*\bwhere\b.*\bversion\s*=`)

func isVersionGuardedUpdate(sql string) bool {
	return versionGuard.MatchString(sql)
}

var _ gormlogger.Interface = (*GormLogger)(nil)
