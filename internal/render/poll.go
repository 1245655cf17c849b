package render

import (
	"context"
	"time"
)

// pollUntil evaluates predicate at interval until it reports done, the
// budget elapses, or ctx is cancelled. A predicate error aborts the loop.
// Budget exhaustion returns ErrWaitTimeout so callers can treat it as a
// soft failure; context cancellation returns the context's error.
func pollUntil(ctx context.Context, interval, budget time.Duration, predicate func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(budget)

	done, err := predicate(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return ErrWaitTimeout
			}
			done, err := predicate(ctx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}
