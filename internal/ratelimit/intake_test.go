package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/courier/internal/config"
)

func TestIntakeLimiterDisabledWithoutRedis(t *testing.T) {
	cfg := config.Config{Webhook: config.WebhookConfig{IntakeRate: 5, IntakeBurst: 10}}
	limiter := NewIntakeLimiter(cfg, nil)
	if limiter.Enabled() {
		t.Fatalf("expected limiter to be disabled without a redis client")
	}
	ok, wait, err := limiter.AllowProvider(context.Background(), "stripe")
	if err != nil || !ok || wait != 0 {
		t.Fatalf("expected pass-through, got ok=%v wait=%v err=%v", ok, wait, err)
	}
}

func TestDefaultBucketTTL(t *testing.T) {
	if got := defaultBucketTTL(10, 5); got != time.Second {
		t.Fatalf("expected 1s floor, got %v", got)
	}
	if got := defaultBucketTTL(1, 30); got != 60*time.Second {
		t.Fatalf("expected 60s, got %v", got)
	}
}
