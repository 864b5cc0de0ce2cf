package exportwebhook

import (
	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/config"
	"github.com/smallbiznis/courier/internal/delivery"
	"github.com/smallbiznis/courier/internal/providers/httpclient"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.exportwebhook",
	fx.Provide(provideHandler),
)

func provideHandler(cfg config.Config, clk clock.Clock) delivery.HandlerOut {
	client := httpclient.New(cfg.Export.Timeout)
	return delivery.HandlerOut{Handler: NewHandler(cfg.Export.SigningSecret, client, clk)}
}
