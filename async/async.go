// Package async schedules the pool's periodic background work.
package async

import (
	"context"
	"log/slog"
	"time"
)

// RunEvery runs fn on a fixed period until ctx is cancelled. It runs in a
// goroutine; the first invocation happens one period after the call.
func RunEvery(ctx context.Context, log *slog.Logger, name string, period time.Duration, fn func(context.Context)) {
	if log == nil {
		log = slog.Default()
	}
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				log.Debug("periodic task stopped", "task", name)
				return
			}
		}
	}()
}

// RunRescheduled runs fn and then waits for whatever delay fn returns before
// the next run, until ctx is cancelled. Tasks that pace themselves off their
// own completion time use this instead of a fixed ticker. A non-positive
// returned delay is clamped to one second so a buggy task cannot spin.
func RunRescheduled(ctx context.Context, log *slog.Logger, name string, initial time.Duration, fn func(context.Context) time.Duration) {
	if log == nil {
		log = slog.Default()
	}
	if initial <= 0 {
		initial = time.Second
	}
	go func() {
		timer := time.NewTimer(initial)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				next := fn(ctx)
				if next <= 0 {
					next = time.Second
				}
				timer.Reset(next)
			case <-ctx.Done():
				log.Debug("rescheduled task stopped", "task", name)
				return
			}
		}
	}()
}
