package delivery

import (
	"context"
	"sort"

	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"go.uber.org/fx"
)

// Handler performs the side effect for one outbox kind.
type Handler interface {
	Kind() outboxdomain.Kind
	// Dependency names the circuit breaker guarding the handler.
	Dependency() string
	Deliver(ctx context.Context, event *outboxdomain.Event) error
}

type Registry struct {
	handlers map[outboxdomain.Kind]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	registry := &Registry{handlers: map[outboxdomain.Kind]Handler{}}
	for _, handler := range handlers {
		if handler == nil || !handler.Kind().Valid() {
			continue
		}
		registry.handlers[handler.Kind()] = handler
	}
	return registry
}

func (r *Registry) Get(kind outboxdomain.Kind) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	handler, ok := r.handlers[kind]
	return handler, ok
}

func (r *Registry) Kinds() []outboxdomain.Kind {
	if r == nil {
		return nil
	}
	kinds := make([]outboxdomain.Kind, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// HandlerOut lets provider packages contribute handlers to the registry.
type HandlerOut struct {
	fx.Out

	Handler Handler `group:"delivery_handlers"`
}

type RegistryParams struct {
	fx.In

	Handlers []Handler `group:"delivery_handlers"`
}

func ProvideRegistry(p RegistryParams) *Registry {
	return NewRegistry(p.Handlers...)
}
