package email

import (
	"github.com/smallbiznis/courier/internal/config"
	"github.com/smallbiznis/courier/internal/delivery"
	"github.com/smallbiznis/courier/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
	fx.Provide(provideHandler),
)

func NewFromConfig(cfg config.Config) Provider {
	// Defaults are already handled in internal/config
	emailCfg := Config{
		Host:     cfg.Email.SMTPHost,
		Port:     cfg.Email.SMTPPort,
		Username: cfg.Email.SMTPUsername,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.SMTPFrom,
	}
	return NewSMTP(emailCfg)
}

func provideHandler(provider Provider, renderer pdf.Renderer) delivery.HandlerOut {
	return delivery.HandlerOut{Handler: NewHandler(provider, renderer)}
}
