package gateway

import (
	"context"
	"time"
)

// withTimeout runs op under a child context with the given deadline and
// reports separately whether the deadline (rather than the parent context)
// caused the failure. The timer is always released.
func withTimeout(ctx context.Context, d time.Duration, op func(context.Context) error) (didTimeout bool, err error) {
	if d <= 0 {
		return false, op(ctx)
	}
	child, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err = op(child)
	if err != nil && child.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return true, err
	}
	return false, err
}
