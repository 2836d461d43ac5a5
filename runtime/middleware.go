package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/luabridge/errors"
)

// Middleware wraps a HostFunc. Middleware registered first runs outermost.
type Middleware func(next HostFunc) HostFunc

// chain applies the configured middleware to fn. Panic recovery always runs
// outermost so a panicking middleware cannot escape into the guest.
func (s *State) chain(name string, fn HostFunc) HostFunc {
	for i := len(s.opts.middleware) - 1; i >= 0; i-- {
		fn = s.opts.middleware[i](fn)
	}
	return Recover(name)(fn)
}

// Recover converts a panic in a host function into an error.
func Recover(name string) Middleware {
	return func(next HostFunc) HostFunc {
		return func(ctx context.Context, args []any) (results []any, err error) {
			defer func() {
				if r := recover(); r != nil {
					results = nil
					err = errors.HostPanic(name, r)
				}
			}()
			return next(ctx, args)
		}
	}
}

// Logging logs every host function invocation at debug level.
func Logging(log *zap.Logger) Middleware {
	return func(next HostFunc) HostFunc {
		return func(ctx context.Context, args []any) ([]any, error) {
			name := FunctionName(ctx)
			if name == "" {
				name = "anonymous"
			}
			start := time.Now()
			results, err := next(ctx, args)
			if err != nil {
				log.Debug("host function failed",
					zap.String("function", name),
					zap.Int("args", len(args)),
					zap.Duration("elapsed", time.Since(start)),
					zap.Error(err))
			} else {
				log.Debug("host function completed",
					zap.String("function", name),
					zap.Int("args", len(args)),
					zap.Int("results", len(results)),
					zap.Duration("elapsed", time.Since(start)))
			}
			return results, err
		}
	}
}
