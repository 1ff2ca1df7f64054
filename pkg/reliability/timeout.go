package reliability

import (
	"context"
	"time"
)

// WithTimeout executes fn with a bounded wall-clock timeout. fn keeps running
// in its goroutine if the timeout fires first; the caller only stops waiting.
func WithTimeout(timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
