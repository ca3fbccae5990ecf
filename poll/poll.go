// Package poll provides the poll-until-or-timeout primitive that
// underlies every synchronous-looking wait in the pool: repeatedly
// invoke a probe at a fixed interval, return its value on success, and
// on timeout return a fallback value instead of failing. Timeouts
// degrade gracefully; context cancellation is the only hard stop.
package poll

import (
	"context"
	"time"
)

// Probe inspects current state. It returns (value, true) when the
// awaited condition holds and (zero, false) to keep polling. A non-nil
// error aborts the wait immediately.
type Probe[T any] func(ctx context.Context) (T, bool, error)

// Fallback produces the value returned when the timeout elapses before
// the probe succeeds. Commonly "return last known value".
type Fallback[T any] func() T

// Until polls probe every interval until it succeeds, the timeout
// elapses, or ctx is cancelled. On timeout the fallback value is
// returned with a nil error. On cancellation ctx.Err() is returned.
// A timeout of zero means no timeout.
func Until[T any](ctx context.Context, interval, timeout time.Duration, probe Probe[T], fallback Fallback[T]) (T, error) {
	var zero T

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Probe once immediately so an already-true condition never waits.
	v, ok, err := probe(ctx)
	if err != nil {
		return zero, err
	}
	if ok {
		return v, nil
	}

	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline:
			if fallback != nil {
				return fallback(), nil
			}
			return zero, nil
		case <-ticker.C:
			v, ok, err := probe(ctx)
			if err != nil {
				return zero, err
			}
			if ok {
				return v, nil
			}
		}
	}
}
