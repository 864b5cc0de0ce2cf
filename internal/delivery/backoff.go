package delivery

import (
	"time"

	"github.com/smallbiznis/courier/internal/config"
)

// Backoff returns min(MaxDelay, BaseDelay*2^(attempts-1)) scaled by a factor
// drawn from [1-Jitter, 1+Jitter]. random must return values in [0, 1).
//
// With Jitter below 1/3 the largest delay for attempt n stays under the
// smallest delay for attempt n+1 until the cap is reached.
func Backoff(policy config.RetryPolicy, attempts int, random func() float64) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := policy.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	ceiling := policy.MaxDelay
	if ceiling < base {
		ceiling = base
	}

	delay := base
	for i := 1; i < attempts; i++ {
		if delay >= ceiling/2 {
			delay = ceiling
			break
		}
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}

	jitter := policy.Jitter
	if jitter <= 0 || random == nil {
		return delay
	}
	factor := 1 - jitter + 2*jitter*random()
	return time.Duration(float64(delay) * factor)
}
