package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-sync/procedure"
)

// LoggingMiddleware logs every invocation with its duration; failures are logged at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			value, err := next(ctx, inv)

			fields := []zap.Field{
				zap.String("path", procedure.Key(inv.Path)),
				zap.String("client_id", string(inv.Caller)),
				zap.String("rpc_call_id", inv.CallID),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("procedure failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("procedure served", fields...)
			}
			return value, err
		}
	}
}
