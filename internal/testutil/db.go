// Package testutil opens throwaway SQLite databases carrying the same tables
// as the Postgres migrations, for package tests that exercise real SQL.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE obligations (
		id INTEGER PRIMARY KEY,
		owner_id INTEGER NOT NULL,
		description TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		due_date DATETIME NOT NULL,
		status TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT 'other',
		notes TEXT NOT NULL DEFAULT '',
		reminders_sent INTEGER NOT NULL DEFAULT 0,
		last_reminder_at DATETIME,
		paid_at DATETIME,
		paid_by_attempt_id INTEGER,
		cancelled_at DATETIME,
		cancel_reason TEXT NOT NULL DEFAULT '',
		archived_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX ix_obligations_status_due_date ON obligations (status, due_date)`,
	`CREATE TABLE obligation_status_history (
		id INTEGER PRIMARY KEY,
		obligation_id INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE obligation_settlements (
		id INTEGER PRIMARY KEY,
		obligation_id INTEGER NOT NULL,
		attempt_id INTEGER NOT NULL,
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		settled_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_obligation_settlements_attempt ON obligation_settlements (obligation_id, attempt_id)`,
	`CREATE TABLE payment_attempts (
		id INTEGER PRIMARY KEY,
		obligation_id INTEGER NOT NULL,
		owner_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT NOT NULL,
		redirect_url TEXT NOT NULL DEFAULT '',
		payment_id TEXT,
		external_ref TEXT NOT NULL,
		status_detail TEXT NOT NULL DEFAULT '',
		attempts_count INTEGER NOT NULL DEFAULT 1,
		payer TEXT NOT NULL DEFAULT '{}',
		session_created_at DATETIME NOT NULL,
		refunded_amount NUMERIC NOT NULL DEFAULT 0,
		refund_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payment_attempts_external_ref ON payment_attempts (external_ref)`,
	`CREATE INDEX ix_payment_attempts_payment_id ON payment_attempts (payment_id)`,
	`CREATE UNIQUE INDEX ux_payment_attempts_active_obligation ON payment_attempts (obligation_id) WHERE status IN ('pending', 'processing')`,
	`CREATE TABLE payment_attempt_status_history (
		id INTEGER PRIMARY KEY,
		attempt_id INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payment_attempt_webhooks (
		id INTEGER PRIMARY KEY,
		attempt_id INTEGER NOT NULL,
		notification_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		notification_type TEXT NOT NULL,
		processor_status TEXT NOT NULL DEFAULT '',
		applied BOOLEAN NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_payment_attempt_webhooks_notification ON payment_attempt_webhooks (attempt_id, notification_id)`,
	`CREATE TABLE webhook_inbox (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		method TEXT NOT NULL,
		query TEXT NOT NULL DEFAULT '{}',
		headers TEXT NOT NULL DEFAULT '{}',
		body TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		notification_id TEXT NOT NULL DEFAULT '',
		received_at DATETIME NOT NULL,
		claimed_at DATETIME,
		processed_at DATETIME,
		updated_at DATETIME NOT NULL
	)`,
}

// OpenDB returns a private in-memory database with the full schema. The pool
// is pinned to one connection so every query sees the same memory database.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:duesync_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		NowFunc:                func() time.Time { return time.Now().UTC() },
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return conn
}

// Node returns a snowflake node for generating ids in tests.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// AssertCount fails the test unless table holds want rows matching where.
func AssertCount(t testing.TB, db *gorm.DB, table string, want int64, where string, args ...any) {
	t.Helper()
	query := "SELECT COUNT(1) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var got int64
	if err := db.Raw(query, args...).Scan(&got).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	if got != want {
		t.Fatalf("expected %d rows in %s, got %d", want, table, got)
	}
}
