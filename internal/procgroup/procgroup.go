// Package procgroup starts helper processes in their own process group and signals the
// whole group, so descendants spawned by a helper are stopped with it.
package procgroup

import (
	"context"
	"time"
)

// WaitGone polls alive every interval, at most polls times, and reports whether the
// process went away. It returns early when ctx is done.
func WaitGone(ctx context.Context, alive func() bool, polls int, interval time.Duration) bool {
	for i := 0; i < polls; i++ {
		if !alive() {
			return true
		}
		select {
		case <-ctx.Done():
			return !alive()
		case <-time.After(interval):
		}
	}
	return !alive()
}

// WaitDone is WaitGone for a channel that is closed when the process has been reaped.
func WaitDone(ctx context.Context, done <-chan struct{}, polls int, interval time.Duration) bool {
	return WaitGone(ctx, func() bool {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}, polls, interval)
}
