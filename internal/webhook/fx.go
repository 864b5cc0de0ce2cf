package webhook

import (
	"github.com/smallbiznis/courier/internal/cache"
	deadletterdomain "github.com/smallbiznis/courier/internal/deadletter/domain"
	"github.com/smallbiznis/courier/internal/webhook/adapters"
	hmacadapter "github.com/smallbiznis/courier/internal/webhook/adapters/hmac"
	"github.com/smallbiznis/courier/internal/webhook/adapters/stripe"
	"github.com/smallbiznis/courier/internal/webhook/domain"
	"github.com/smallbiznis/courier/internal/webhook/repository"
	"github.com/smallbiznis/courier/internal/webhook/service"
	"github.com/smallbiznis/courier/internal/webhook/tenant"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewAdapterRegistry),
	fx.Provide(cache.NewOrgLookupCache),
	fx.Provide(tenant.NewResolver),
	fx.Provide(service.New),
	fx.Provide(
		func(s *service.Service) domain.Service { return s },
		func(s *service.Service) deadletterdomain.InboundReplayer { return s },
	),
)

// NewAdapterRegistry registers dedicated adapters; any other configured
// provider is verified with the generic HMAC scheme.
func NewAdapterRegistry() *adapters.Registry {
	return adapters.NewRegistry(hmacadapter.NewFactory(), stripe.NewFactory())
}
