package middleware

import (
	"context"
	"errors"
	"time"
)

// ErrHandlerTimeout is returned to the caller when a handler overruns TimeOutMiddleware.
var ErrHandlerTimeout = errors.New("handler timed out")

type result struct {
	value any
	err   error
}

// TimeOutMiddleware bounds how long a handler may run. The handler's context is cancelled
// at the deadline; a handler that ignores it keeps running but its result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan result, 1)
			go func() {
				v, err := next(ctx, inv)
				done <- result{v, err}
			}()

			select {
			case r := <-done:
				return r.value, r.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}
