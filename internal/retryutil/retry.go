package retryutil

import (
	"context"
	"log/slog"
	"time"
)

const defaultRetryDelay = time.Second

// Permanent marks an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do runs fn up to attempts times, sleeping delay between failures. It stops
// early when ctx ends or fn returns a *Permanent error, and returns the last
// error unwrapped from Permanent.
func Do(ctx context.Context, logger *slog.Logger, name string, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			if i > 1 && logger != nil {
				logger.Info(name+"_retry_ok", "attempt", i)
			}
			return nil
		}
		if p, ok := err.(*Permanent); ok {
			return p.Err
		}
		if i == attempts {
			break
		}
		if logger != nil {
			logger.Warn(name+"_retry_scheduled", "attempt", i, "delay", delay.String(), "error", err.Error())
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	if logger != nil && attempts > 1 {
		logger.Warn(name+"_retry_failed", "attempts", attempts, "error", err.Error())
	}
	return err
}
