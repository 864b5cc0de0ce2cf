package outbox

import (
	"github.com/smallbiznis/courier/internal/outbox/repository"
	"github.com/smallbiznis/courier/internal/outbox/service"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
