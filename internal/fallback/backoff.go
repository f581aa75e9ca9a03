package fallback

import (
	"context"
	"time"
)

// Backoff is a bounded exponential delay: Base doubled per consecutive
// failure, never above Ceiling.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
}

// DefaultBackoff starts at two seconds and tops out at one minute.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Ceiling: time.Minute}
}

// Delay returns the wait before attempt number failures+1.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 || b.Base <= 0 {
		return 0
	}
	delay := b.Base
	for i := 1; i < failures; i++ {
		delay *= 2
		if b.Ceiling > 0 && delay >= b.Ceiling {
			return b.Ceiling
		}
	}
	if b.Ceiling > 0 && delay > b.Ceiling {
		return b.Ceiling
	}
	return delay
}

// Wait sleeps for Delay(failures) and reports false when ctx ended first.
func (b Backoff) Wait(ctx context.Context, failures int) bool {
	delay := b.Delay(failures)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
