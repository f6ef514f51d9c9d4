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
	"github.com/smallbiznis/duesync/internal/server"
	"github.com/smallbiznis/duesync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		lock.Module,
		events.Module,

		obligation.Module,
		payment.Module,
		// Deliveries ingested here are drained in-process; the worker app
		// only picks up what this queue misses.
		payment.Workers,
		reminder.Module,

		ratelimit.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
