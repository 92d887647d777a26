package concurrent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

type Func = func(context.Context) error

// RunWithTimeout calls each given function in a separate goroutine and waits for them
// to finish. The first returned error cancels the shared context.
// If timeout is positive, it is added to the context. Otherwise, it is ignored.
// Note that RunWithTimeout does not forcefully terminate the goroutines;
// your functions should be able to handle context cancellation.
func RunWithTimeout(ctx context.Context, timeout time.Duration, fs ...Func) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, f := range fs {
		g.Go(func() error {
			return f(gCtx)
		})
	}
	return g.Wait()
}

// Run calls RunWithTimeout without a timeout.
func Run(ctx context.Context, fs ...Func) error {
	return RunWithTimeout(ctx, 0, fs...)
}
