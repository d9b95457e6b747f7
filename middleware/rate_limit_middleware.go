package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"mini-sync/procedure"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware creates a token-bucket limiter shared by every caller.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, inv)
		}
	}
}

// PerClientRateLimitMiddleware gives every caller its own token bucket, so one chatty
// replica cannot starve the others.
func PerClientRateLimitMiddleware(r float64, burst int) Middleware {
	var mu sync.Mutex
	limiters := make(map[procedure.ClientID]*rate.Limiter)

	limiterFor := func(id procedure.ClientID) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[id]
		if !ok {
			l = rate.NewLimiter(rate.Limit(r), burst)
			limiters[id] = l
		}
		return l
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			if !limiterFor(inv.Caller).Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, inv)
		}
	}
}
