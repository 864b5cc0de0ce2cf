package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/courier/internal/config"
)

const keyWebhookIntake = "courier:webhook:intake:%s"

// IntakeLimiter caps how many deliveries per second a single provider may push
// into the receiver. A nil limiter allows everything.
type IntakeLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewIntakeLimiter(cfg config.Config, client *redis.Client) *IntakeLimiter {
	if client == nil || cfg.Webhook.IntakeRate <= 0 {
		return nil
	}
	burst := cfg.Webhook.IntakeBurst
	if burst <= 0 {
		burst = int(cfg.Webhook.IntakeRate) + 1
	}
	return &IntakeLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.Webhook.IntakeRate,
		burst:  burst,
	}
}

func (l *IntakeLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowProvider reports whether the provider still has budget. The returned
// duration is a Retry-After hint when it does not.
func (l *IntakeLimiter) AllowProvider(ctx context.Context, provider string) (bool, time.Duration, error) {
	if !l.Enabled() {
		return true, 0, nil
	}
	key := fmt.Sprintf(keyWebhookIntake, strings.ToLower(strings.TrimSpace(provider)))
	res, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed, res.RetryAfter, nil
}
