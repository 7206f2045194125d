// Package connectivity provides resilience primitives for outbound calls:
// circuit breakers, retry with exponential backoff, and composable operation
// middlewares. Search engine adapters and the fetch ladder wrap their network
// calls with these.
package connectivity

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Op is a single outbound operation. Results are captured by the closure;
// the middleware stack only observes success or failure.
type Op func(ctx context.Context) error

// Middleware wraps an Op, adding cross-cutting behaviour (logging, timeout,
// recovery, retry) without changing the signature.
type Middleware func(next Op) Op

// Chain composes middlewares left-to-right: the first middleware in the
// slice is the outermost wrapper (executed first on the call path).
//
//	chain := Chain(logging, timeout, recovery)
//	wrapped := chain(op)
func Chain(mws ...Middleware) Middleware {
	return func(next Op) Op {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging returns a middleware that logs every call with its duration.
func Logging(logger *slog.Logger, name string) Middleware {
	return func(next Op) Op {
		return func(ctx context.Context) error {
			start := time.Now()
			err := next(ctx)
			dur := time.Since(start)

			if err != nil {
				logger.ErrorContext(ctx, "call failed",
					"op", name,
					"duration_ms", dur.Milliseconds(),
					"error", err)
			} else {
				logger.DebugContext(ctx, "call ok",
					"op", name,
					"duration_ms", dur.Milliseconds())
			}
			return err
		}
	}
}

// Timeout returns a middleware that enforces a maximum call duration.
// If the context deadline is exceeded, the op's goroutine keeps running
// (Go has no goroutine cancellation), but the caller gets an immediate
// context.DeadlineExceeded error.
func Timeout(d time.Duration) Middleware {
	return func(next Op) Op {
		return func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx)
		}
	}
}

// Recovery returns a middleware that catches panics in downstream ops
// and converts them into errors instead of crashing the process.
func Recovery(logger *slog.Logger) Middleware {
	return func(next Op) Op {
		return func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := debug.Stack()
					logger.ErrorContext(ctx, "op panic recovered",
						"panic", r,
						"stack", string(stack))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx)
		}
	}
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return "connectivity: op panicked"
}
