package sms

import (
	"github.com/smallbiznis/courier/internal/config"
	"github.com/smallbiznis/courier/internal/delivery"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.sms",
	fx.Provide(provideHandler),
)

// provideHandler contributes nothing when no gateway is configured, so sms
// events are dead-lettered as an unknown kind.
func provideHandler(cfg config.Config, log *zap.Logger) delivery.HandlerOut {
	if cfg.SMS.GatewayURL == "" {
		log.Named("providers.sms").Info("sms gateway not configured; sms delivery disabled")
		return delivery.HandlerOut{}
	}
	return delivery.HandlerOut{Handler: NewHandler(Config{
		GatewayURL:    cfg.SMS.GatewayURL,
		APIKey:        cfg.SMS.APIKey,
		Sender:        cfg.SMS.Sender,
		Timeout:       cfg.SMS.Timeout,
		RatePerSecond: cfg.SMS.RatePerSecond,
	}, nil)}
}
