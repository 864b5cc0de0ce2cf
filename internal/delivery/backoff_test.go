package delivery

import (
	"testing"
	"time"

	"github.com/smallbiznis/courier/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsUntilCap(t *testing.T) {
	policy := config.RetryPolicy{
		MaxAttempts: 12,
		BaseDelay:   5 * time.Second,
		MaxDelay:    30 * time.Minute,
		Jitter:      0.25,
	}
	high := func() float64 { return 0.999999 }
	low := func() float64 { return 0 }

	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		if Backoff(policy, attempt, nil) >= policy.MaxDelay {
			break
		}
		worst := Backoff(policy, attempt, high)
		best := Backoff(policy, attempt+1, low)
		assert.Less(t, worst, best, "attempt %d", attempt)
	}
}

func TestBackoffRespectsCapAndJitterBounds(t *testing.T) {
	policy := config.RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.2}

	assert.Equal(t, time.Second, Backoff(policy, 1, nil))
	assert.Equal(t, 8*time.Second, Backoff(policy, 4, nil))
	assert.Equal(t, time.Minute, Backoff(policy, 30, nil))
	assert.Equal(t, time.Minute, Backoff(policy, 1000, nil))

	assert.Equal(t, 800*time.Millisecond, Backoff(policy, 1, func() float64 { return 0 }))
	assert.InDelta(t, float64(72*time.Second), float64(Backoff(policy, 50, func() float64 { return 0.999999 })), float64(time.Millisecond))
}

func TestBackoffDefaultsForZeroPolicy(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(config.RetryPolicy{}, 0, nil))
}
