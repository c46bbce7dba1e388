// Package middleware provides composable handler wrappers used to protect
// event dispatch.
package middleware

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/fyrsmithlabs/runtimed/internal/breaker"
	"github.com/fyrsmithlabs/runtimed/internal/event"
	"github.com/fyrsmithlabs/runtimed/internal/faults"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler is the unit middleware wraps.
type Handler = event.Handler

// Middleware transforms a handler.
type Middleware func(Handler) Handler

// Compose chains middlewares right to left, so the first listed is
// outermost: Compose(a, b, c)(h) == a(b(c(h))).
func Compose(mws ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				h = mws[i](h)
			}
		}
		return h
	}
}

// Timeout fails the call with KERNEL_OPERATION_TIMEOUT once d elapses. The
// handler's context is cancelled at the same time; a handler that ignores it
// keeps running in the background until it returns.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, ev event.Event) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- next(ctx, ev) }()

			select {
			case err := <-done:
				if err != nil && ctx.Err() == context.DeadlineExceeded {
					return faults.Wrap(faults.KernelOperationTimeout, err, "%s exceeded %s", ev.Type, d)
				}
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					return faults.New(faults.KernelOperationTimeout, "%s exceeded %s", ev.Type, d)
				}
				return faults.Normalize(ctx.Err())
			}
		}
	}
}

// CircuitBreaker routes every call through b.
func CircuitBreaker(b *breaker.Breaker) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, ev event.Event) error {
			return b.Execute(ctx, func(ctx context.Context) error {
				return next(ctx, ev)
			})
		}
	}
}

// CircuitBreakerPerType uses one breaker per event type from reg.
func CircuitBreakerPerType(reg *breaker.Registry) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, ev event.Event) error {
			return reg.Get(ev.Type).Execute(ctx, func(ctx context.Context) error {
				return next(ctx, ev)
			})
		}
	}
}

// RateLimit admits calls at r per second with the given burst. When wait is
// true calls block for a token; otherwise they fail with RATE_LIMITED.
func RateLimit(r rate.Limit, burst int, wait bool) Middleware {
	limiter := rate.NewLimiter(r, burst)
	return func(next Handler) Handler {
		return func(ctx context.Context, ev event.Event) error {
			if wait {
				if err := limiter.Wait(ctx); err != nil {
					return faults.Wrap(faults.RateLimited, err, "%s", ev.Type)
				}
			} else if !limiter.Allow() {
				return faults.New(faults.RateLimited, "%s", ev.Type)
			}
			return next(ctx, ev)
		}
	}
}

// Recover converts a handler panic into HANDLER_PANIC.
func Recover(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, ev event.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic",
						zap.String("event.type", ev.Type),
						zap.String("event.id", ev.ID),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
					err = faults.New(faults.HandlerPanic, "%s: %v", ev.Type, r)
				}
			}()
			return next(ctx, ev)
		}
	}
}
