package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/circuitbreaker"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/config"
	"github.com/smallbiznis/courier/internal/deadletter"
	"github.com/smallbiznis/courier/internal/delivery"
	"github.com/smallbiznis/courier/internal/lock"
	"github.com/smallbiznis/courier/internal/observability"
	"github.com/smallbiznis/courier/internal/outbox"
	"github.com/smallbiznis/courier/internal/providers"
	"github.com/smallbiznis/courier/pkg/db"
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

		circuitbreaker.Module,
		outbox.Module,
		deadletter.Module,
		providers.Module,
		delivery.Module,
		delivery.WorkerModule,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
