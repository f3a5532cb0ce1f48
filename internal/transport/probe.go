package transport

import (
	"context"
	"time"
)

// BoundedReach asks a channel whether it can reach a device, enforcing
// the timeout even against an implementation that ignores its context.
// Expiry and panics both resolve to false.
func BoundedReach(ctx context.Context, tr Transport, deviceID string, timeout time.Duration) bool {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- false
			}
		}()
		done <- tr.CanReach(cctx, deviceID)
	}()

	select {
	case ok := <-done:
		return ok
	case <-cctx.Done():
		return false
	}
}

// BoundedQuality fetches a per-device quality score with a hard bound.
// Expiry and panics resolve to DefaultQuality.
func BoundedQuality(ctx context.Context, tr Transport, deviceID string, timeout time.Duration) int {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan int, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- DefaultQuality
			}
		}()
		done <- tr.Quality(cctx, deviceID)
	}()

	select {
	case q := <-done:
		return q
	case <-cctx.Done():
		return DefaultQuality
	}
}
