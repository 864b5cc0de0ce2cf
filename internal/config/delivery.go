package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BreakerPolicy configures one circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int           `mapstructure:"failureThreshold"`
	Window           time.Duration `mapstructure:"window"`
	RecoveryTime     time.Duration `mapstructure:"recoveryTime"`
	HalfOpenMaxCalls int           `mapstructure:"halfOpenMaxCalls"`
}

// RetryPolicy configures outbox retry scheduling.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// DeliveryPolicy is the hot-reloadable part of delivery configuration.
type DeliveryPolicy struct {
	Retry          RetryPolicy              `mapstructure:"retry"`
	DefaultBreaker BreakerPolicy            `mapstructure:"defaultBreaker"`
	Breakers       map[string]BreakerPolicy `mapstructure:"breakers"`
}

func DefaultDeliveryPolicy() DeliveryPolicy {
	return DeliveryPolicy{
		Retry: RetryPolicy{
			MaxAttempts: 8,
			BaseDelay:   5 * time.Second,
			MaxDelay:    30 * time.Minute,
			Jitter:      0.2,
		},
		DefaultBreaker: BreakerPolicy{
			FailureThreshold: 5,
			Window:           60 * time.Second,
			RecoveryTime:     30 * time.Second,
			HalfOpenMaxCalls: 1,
		},
	}
}

// Breaker returns the policy for the named dependency, falling back to the
// default for unset fields.
func (p DeliveryPolicy) Breaker(name string) BreakerPolicy {
	out := p.DefaultBreaker
	override, ok := p.Breakers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return out
	}
	if override.FailureThreshold > 0 {
		out.FailureThreshold = override.FailureThreshold
	}
	if override.Window > 0 {
		out.Window = override.Window
	}
	if override.RecoveryTime > 0 {
		out.RecoveryTime = override.RecoveryTime
	}
	if override.HalfOpenMaxCalls > 0 {
		out.HalfOpenMaxCalls = override.HalfOpenMaxCalls
	}
	return out
}

type DeliveryPolicyHolder struct {
	current atomic.Value // holds DeliveryPolicy
}

// NewStaticDeliveryPolicyHolder wraps a fixed policy, used by tests and
// single-shot tools.
func NewStaticDeliveryPolicyHolder(policy DeliveryPolicy) *DeliveryPolicyHolder {
	holder := &DeliveryPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewDeliveryPolicyHolder(cfg Config) (*DeliveryPolicyHolder, error) {
	v := viper.New()

	if cfg.DeliveryPolicyPath != "" {
		v.SetConfigFile(cfg.DeliveryPolicyPath)
	} else {
		v.SetConfigName("delivery")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/courier/config")
		v.AddConfigPath("/etc/courier")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COURIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultDeliveryPolicy()
	v.SetDefault("delivery.retry.maxAttempts", defaults.Retry.MaxAttempts)
	v.SetDefault("delivery.retry.baseDelay", defaults.Retry.BaseDelay)
	v.SetDefault("delivery.retry.maxDelay", defaults.Retry.MaxDelay)
	v.SetDefault("delivery.retry.jitter", defaults.Retry.Jitter)
	v.SetDefault("delivery.defaultBreaker.failureThreshold", defaults.DefaultBreaker.FailureThreshold)
	v.SetDefault("delivery.defaultBreaker.window", defaults.DefaultBreaker.Window)
	v.SetDefault("delivery.defaultBreaker.recoveryTime", defaults.DefaultBreaker.RecoveryTime)
	v.SetDefault("delivery.defaultBreaker.halfOpenMaxCalls", defaults.DefaultBreaker.HalfOpenMaxCalls)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read delivery policy: %w", err)
		}
		watch = false
	}

	policy, err := decodeDeliveryPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticDeliveryPolicyHolder(policy)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeDeliveryPolicy(v)
		if err != nil {
			log.Printf("[delivery-policy] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[delivery-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *DeliveryPolicyHolder) Get() DeliveryPolicy {
	return h.current.Load().(DeliveryPolicy)
}

func decodeDeliveryPolicy(v *viper.Viper) (DeliveryPolicy, error) {
	var policy DeliveryPolicy
	if err := v.UnmarshalKey("delivery", &policy); err != nil {
		return DeliveryPolicy{}, err
	}
	normalized := make(map[string]BreakerPolicy, len(policy.Breakers))
	for name, bp := range policy.Breakers {
		normalized[strings.ToLower(strings.TrimSpace(name))] = bp
	}
	policy.Breakers = normalized
	if err := ValidateDeliveryPolicy(policy); err != nil {
		return DeliveryPolicy{}, err
	}
	return policy, nil
}

func ValidateDeliveryPolicy(p DeliveryPolicy) error {
	if p.Retry.MaxAttempts <= 0 {
		return errors.New("delivery.retry.maxAttempts must be positive")
	}
	if p.Retry.BaseDelay <= 0 || p.Retry.MaxDelay < p.Retry.BaseDelay {
		return errors.New("delivery.retry delays are invalid")
	}
	if p.Retry.Jitter < 0 || p.Retry.Jitter > 0.25 {
		return errors.New("delivery.retry.jitter must be within [0, 0.25]")
	}
	if err := validateBreaker("defaultBreaker", p.DefaultBreaker); err != nil {
		return err
	}
	for name, bp := range p.Breakers {
		if bp.FailureThreshold < 0 || bp.Window < 0 || bp.RecoveryTime < 0 || bp.HalfOpenMaxCalls < 0 {
			return fmt.Errorf("delivery.breakers.%s has negative values", name)
		}
	}
	return nil
}

func validateBreaker(name string, bp BreakerPolicy) error {
	if bp.FailureThreshold <= 0 || bp.Window <= 0 || bp.RecoveryTime <= 0 || bp.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("delivery.%s values must be positive", name)
	}
	return nil
}
