package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/circuitbreaker"
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/config"
	"github.com/smallbiznis/courier/internal/deadletter"
	"github.com/smallbiznis/courier/internal/lock"
	"github.com/smallbiznis/courier/internal/observability"
	"github.com/smallbiznis/courier/internal/outbox"
	"github.com/smallbiznis/courier/internal/payment"
	"github.com/smallbiznis/courier/internal/ratelimit"
	"github.com/smallbiznis/courier/internal/server"
	"github.com/smallbiznis/courier/internal/webhook"
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

		// Inbound side only: outbox rows are written here and delivered by
		// apps/dispatcher.
		circuitbreaker.Module,
		outbox.Module,
		deadletter.Module,
		webhook.Module,
		payment.Module,
		ratelimit.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterWebhookRoutes()
			s.RegisterAdminRoutes()
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
