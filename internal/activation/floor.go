package activation

import (
	"context"
	"time"
)

// holdFloor blocks until floor has elapsed since start, so fast rejections
// and slow successes look alike from outside. It returns early only when the
// caller has gone away.
func holdFloor(ctx context.Context, start time.Time, floor time.Duration) {
	if floor <= 0 {
		return
	}
	wait := floor - time.Since(start)
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
