package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/config"
	"github.com/smallbiznis/duesync/internal/events"
	"github.com/smallbiznis/duesync/internal/lock"
	"github.com/smallbiznis/duesync/internal/migration"
	"github.com/smallbiznis/duesync/internal/obligation"
	"github.com/smallbiznis/duesync/internal/observability"
	"github.com/smallbiznis/duesync/internal/payment"
	"github.com/smallbiznis/duesync/internal/ratelimit"
	"github.com/smallbiznis/duesync/internal/reminder"
	"github.com/smallbiznis/duesync/internal/scheduler"
	"github.com/smallbiznis/duesync/internal/server"
	"github.com/smallbiznis/duesync/pkg/db"
	"go.uber.org/fx"
)

// Monolith: HTTP API, webhook workers and the scheduler in one process.
func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		events.Module,

		// Functional Domains
		obligation.Module,
		payment.Module,
		payment.Workers,
		reminder.Module,
		scheduler.Module,

		ratelimit.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
