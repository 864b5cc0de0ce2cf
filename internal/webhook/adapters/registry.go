package adapters

import (
	"strings"

	"github.com/smallbiznis/courier/internal/webhook/domain"
)

// Registry maps provider names to adapter factories. Providers without a
// dedicated factory use the fallback, when one is set.
type Registry struct {
	factories map[string]domain.AdapterFactory
	fallback  domain.AdapterFactory
}

func NewRegistry(fallback domain.AdapterFactory, factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{factories: map[string]domain.AdapterFactory{}, fallback: fallback}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.factories[provider]
	return ok || r.fallback != nil
}

func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	factory, ok := r.factories[provider]
	if !ok {
		if r.fallback == nil {
			return nil, domain.ErrProviderNotFound
		}
		factory = r.fallback
	}
	cfg.Provider = provider
	return factory.NewAdapter(cfg)
}
