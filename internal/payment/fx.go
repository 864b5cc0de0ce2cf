package payment

import (
	"github.com/smallbiznis/courier/internal/payment/handler"
	"github.com/smallbiznis/courier/internal/payment/repository"
	webhookdomain "github.com/smallbiznis/courier/internal/webhook/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(handler.New),
	fx.Provide(func(h *handler.Handler) webhookdomain.EventHandler { return h }),
)
