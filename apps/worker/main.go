package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/duesync/internal/clock"
	"github.com/smallbiznis/duesync/internal/config"
	"github.com/smallbiznis/duesync/internal/events"
	"github.com/smallbiznis/duesync/internal/lock"
	"github.com/smallbiznis/duesync/internal/obligation"
	"github.com/smallbiznis/duesync/internal/observability"
	"github.com/smallbiznis/duesync/internal/observability/push"
	"github.com/smallbiznis/duesync/internal/payment"
	"github.com/smallbiznis/duesync/internal/reminder"
	"github.com/smallbiznis/duesync/internal/scheduler"
	"github.com/smallbiznis/duesync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		events.Module,

		// Domain services required by scheduler
		obligation.Module,
		payment.Module,
		reminder.Module,

		// No server module!
		scheduler.Module,
		push.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
