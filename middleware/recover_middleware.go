package middleware

import (
	"context"
	"fmt"
	"runtime/debug"
)

// PanicError carries a recovered panic value and the stack of the panicking goroutine.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value to errors.Is/As.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// RecoverMiddleware turns a panicking handler into a *PanicError result.
func RecoverMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (value any, err error) {
			defer func() {
				if r := recover(); r != nil {
					value, err = nil, &PanicError{Value: r, Stack: string(debug.Stack())}
				}
			}()
			return next(ctx, inv)
		}
	}
}
