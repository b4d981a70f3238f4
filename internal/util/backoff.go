package util

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry number attempt (0-based): an
// exponential step from base, capped at ceiling, jittered within its upper half.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	step := base
	for i := 0; i < attempt && (ceiling <= 0 || step < ceiling); i++ {
		step *= 2
	}
	if ceiling > 0 && step > ceiling {
		step = ceiling
	}
	return step/2 + rand.N(step/2+1)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
