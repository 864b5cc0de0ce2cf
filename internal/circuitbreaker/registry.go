package circuitbreaker

import (
	"sort"
	"strings"
	"sync"

	"github.com/smallbiznis/courier/internal/clock"
	"github.com/smallbiznis/courier/internal/config"
	obsmetrics "github.com/smallbiznis/courier/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Registry hands out one shared Breaker per dependency name.
type Registry struct {
	clock    clock.Clock
	settings func(name string) Settings
	onChange TransitionFunc

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

type RegistryParams struct {
	fx.In

	Clock      clock.Clock
	Policy     *config.DeliveryPolicyHolder
	Log        *zap.Logger
	ObsMetrics *obsmetrics.DeliveryMetrics `optional:"true"`
}

func NewRegistry(p RegistryParams) *Registry {
	log := p.Log.Named("circuitbreaker")
	policy := p.Policy
	return newRegistry(p.Clock, func(name string) Settings {
		bp := policy.Get().Breaker(name)
		return Settings{
			FailureThreshold: bp.FailureThreshold,
			Window:           bp.Window,
			RecoveryTime:     bp.RecoveryTime,
			HalfOpenMaxCalls: bp.HalfOpenMaxCalls,
		}
	}, func(name string, from, to State) {
		log.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		p.ObsMetrics.ObserveBreakerTransition(name, string(from), string(to))
	})
}

// NewStaticRegistry builds a registry where every breaker uses the same settings.
func NewStaticRegistry(clk clock.Clock, settings Settings, onChange TransitionFunc) *Registry {
	return newRegistry(clk, func(string) Settings { return settings }, onChange)
}

func newRegistry(clk clock.Clock, settings func(string) Settings, onChange TransitionFunc) *Registry {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Registry{
		clock:    clk,
		settings: settings,
		onChange: onChange,
		breakers: map[string]*Breaker{},
	}
}

// Get returns the breaker for name, creating it on first use. Settings are
// read on every call so policy reloads apply to live breakers.
func (r *Registry) Get(name string) *Breaker {
	name = strings.ToLower(strings.TrimSpace(name))

	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = newBreaker(name, r.clock, func() Settings { return r.settings(name) }, r.onChange)
	r.breakers[name] = b
	return b
}

// Snapshots returns every known breaker ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
