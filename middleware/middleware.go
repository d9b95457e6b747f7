// Package middleware wraps the dispatch of incoming procedure calls.
//
// Chain wraps middlewares in reverse order to create the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// Errors returned by a middleware travel back to the caller exactly like handler errors,
// as an rpc_exception with kind REMOTE_THREW.
package middleware

import (
	"context"

	"mini-sync/procedure"
)

// Invocation describes one incoming call.
type Invocation struct {
	CallID string
	Path   []string
	Caller procedure.ClientID
	Args   procedure.Args
}

type HandlerFunc func(ctx context.Context, inv *Invocation) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
