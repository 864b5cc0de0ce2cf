package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/circuitbreaker"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/config"
	"github.com/smallbiznis/courier/internal/deadletter"
	"github.com/smallbiznis/courier/internal/delivery"
	"github.com/smallbiznis/courier/internal/lock"
	"github.com/smallbiznis/courier/internal/migration"
	"github.com/smallbiznis/courier/internal/observability"
	"github.com/smallbiznis/courier/internal/outbox"
	"github.com/smallbiznis/courier/internal/payment"
	"github.com/smallbiznis/courier/internal/providers"
	"github.com/smallbiznis/courier/internal/ratelimit"
	"github.com/smallbiznis/courier/internal/server"
	"github.com/smallbiznis/courier/internal/webhook"
	"github.com/smallbiznis/courier/pkg/db"
	"go.uber.org/fx"
)

// courier runs the receiver, the admin API and the delivery workers in one
// process.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,

		circuitbreaker.Module,
		outbox.Module,
		deadletter.Module,
		webhook.Module,
		payment.Module,
		ratelimit.Module,

		providers.Module,
		delivery.Module,
		delivery.WorkerModule,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
