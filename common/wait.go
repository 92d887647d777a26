package common

import (
	"context"
	"time"
)

// WaitForValue polls fetch on every tick until it yields a non-nil value, the timeout
// elapses, or the context is canceled. A nil value with a nil error means "not yet".
func WaitForValue[T any](
	ctx context.Context,
	timeout time.Duration,
	tick time.Duration,
	fetch func(ctx context.Context) (*T, error),
) (*T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if value != nil {
			return value, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}
