package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/duesync/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithOwnerID(ctx, "77")
	ctx = obscontext.WithActor(ctx, obscontext.ActorOperator, "9")

	WithContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "77", fields["owner_id"])
	assert.Equal(t, "operator", fields["actor_type"])
	assert.Equal(t, "9", fields["actor_id"])
	assert.NotContains(t, fields, "trace_id")
}

func TestSecurityEventFlag(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SecurityEvent(zap.New(core), "webhook signature rejected", zap.String("provider", "mercadopago"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, true, entry.ContextMap()["security_event"])
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "UPDATE", operationFromSQL("UPDATE obligations SET status = ?"))
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestTableFromSQL(t *testing.T) {
	assert.Equal(t, "payment_attempts", tableFromSQL("UPDATE payment_attempts SET status = ? WHERE id = ?"))
	assert.Equal(t, "obligations", tableFromSQL(`SELECT * FROM "obligations" WHERE id = 1`))
	assert.Equal(t, "webhook_inbox", tableFromSQL("INSERT INTO webhook_inbox (id) VALUES (1)"))
	assert.Equal(t, "", tableFromSQL("SELECT 1"))
}

func TestGormLoggerReportsVersionConflict(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gl := NewGormLogger(DefaultGormLoggerConfig(), zap.New(core))

	ctx := obscontext.WithNotificationID(context.Background(), "mp-991")
	ctx = obscontext.WithActor(ctx, obscontext.ActorProcessor, "mercadopago")

	stale := "UPDATE obligations SET status = ?, version = ? WHERE id = ? AND version = ?"
	gl.Trace(ctx, time.Now(), func() (string, int64) { return stale, 0 }, nil)
	gl.Trace(ctx, time.Now(), func() (string, int64) { return stale, 1 }, nil)
	gl.Trace(ctx, time.Now(), func() (string, int64) { return "UPDATE webhook_inbox SET status = ? WHERE id = ?", 0 }, nil)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "sql.version_conflict", entry.Message)
	assert.Equal(t, "sql", entry.LoggerName)
	fields := entry.ContextMap()
	assert.Equal(t, "obligations", fields["table"])
	assert.Equal(t, "UPDATE", fields["operation"])
	assert.Equal(t, "mp-991", fields["notification_id"])
	assert.Equal(t, "processor", fields["actor_type"])
}

func TestGormLoggerErrorsAndSlowQueries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cfg := DefaultGormLoggerConfig()
	cfg.SlowThreshold = time.Millisecond
	gl := NewGormLogger(cfg, zap.New(core))
	ctx := obscontext.WithRequestID(context.Background(), "req-7")

	gl.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT * FROM obligations", 0 }, gormlogger.ErrRecordNotFound)
	gl.Trace(ctx, time.Now(), func() (string, int64) { return "INSERT INTO payment_attempts (id) VALUES (1)", 0 }, errors.New("duplicate key"))
	gl.Trace(ctx, time.Now().Add(-time.Second), func() (string, int64) { return "SELECT * FROM payment_attempts", 3 }, nil)

	require.Equal(t, 2, logs.Len())
	failed := logs.All()[0]
	assert.Equal(t, "sql.failed", failed.Message)
	assert.Equal(t, zapcore.ErrorLevel, failed.Level)
	assert.Equal(t, "payment_attempts", failed.ContextMap()["table"])
	assert.Equal(t, "req-7", failed.ContextMap()["request_id"])

	slow := logs.All()[1]
	assert.Equal(t, "sql.slow", slow.Message)
	assert.Equal(t, int64(3), slow.ContextMap()["rows_affected"])

	silent := gl.LogMode(gormlogger.Silent)
	silent.Trace(ctx, time.Now(), func() (string, int64) { return "SELECT 1", 0 }, errors.New("boom"))
	assert.Equal(t, 2, logs.Len())
}
