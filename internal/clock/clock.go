// Package clock provides waits that return early when their context is cancelled.
package clock

import (
	"context"
	"time"
)

// Sleep blocks for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
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

// Countdown waits n ticks of length tick. Cancellation is checked before every
// tick, and fn (if non-nil) is called with the number of ticks still remaining.
func Countdown(ctx context.Context, n int, tick time.Duration, fn func(remaining int)) error {
	for remaining := n; remaining > 0; remaining-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fn != nil {
			fn(remaining)
		}
		if err := Sleep(ctx, tick); err != nil {
			return err
		}
	}
	return ctx.Err()
}
