package observability

import (
	"testing"
	"time"

	"github.com/smallbiznis/duesync/internal/config"
	"github.com/stretchr/testify/assert"
	gormlogger "gorm.io/gorm/logger"
)

func TestLoadConfigPrefersEnvironmentOverrides(t *testing.T) {
	t.Setenv("DEPLOYMENT_ENV", "staging")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "GRPC")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "http/protobuf")
	t.Setenv("SQL_SLOW_QUERY_MS", "750")
	t.Setenv("OTEL_ENABLED", "off")

	cfg := LoadConfig(config.Config{Environment: "production", AppVersion: "1.2.0"})

	assert.Equal(t, "duesync", cfg.ServiceName)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, "http/protobuf", cfg.OtelExporterProtocol)
	assert.Equal(t, 750*time.Millisecond, cfg.SQLSlowThreshold)
	assert.False(t, cfg.OtelEnabled)
}

func TestGormLogLevel(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want gormlogger.LogLevel
	}{
		{"default warn", Config{Environment: "production"}, gormlogger.Warn},
		{"explicit error", Config{Environment: "production", SQLLogLevel: "error"}, gormlogger.Error},
		{"debug raises to info", Config{Environment: "production", LogLevel: "debug", SQLLogLevel: "error"}, gormlogger.Info},
		{"dev raises to info", Config{Environment: "local"}, gormlogger.Info},
		{"silent stays silent", Config{Environment: "local", SQLLogLevel: "silent"}, gormlogger.Silent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.GormLogLevel())
		})
	}
}

func TestSQLLoggerConfig(t *testing.T) {
	cfg := sqlLoggerConfig(Config{Environment: "production", SQLLogLevel: "info", SQLSlowThreshold: time.Second})
	assert.Equal(t, gormlogger.Info, cfg.Level)
	assert.Equal(t, time.Second, cfg.SlowThreshold)
	assert.True(t, cfg.ReportVersionConflicts)
}
