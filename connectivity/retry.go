package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// PermanentError marks an error as non-retryable. WithRetry returns the
// wrapped error immediately instead of burning remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so retry middlewares stop immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// WithRetry returns a Middleware that retries failed ops with exponential
// backoff. It respects context cancellation between retries.
//
// Parameters:
//   - maxRetries: maximum number of retry attempts (0 = no retry)
//   - baseBackoff: initial wait between retries, doubled each attempt
//   - logger: used to log retry attempts (may be nil for silent retries)
func WithRetry(maxRetries int, baseBackoff time.Duration, logger *slog.Logger) Middleware {
	return func(next Op) Op {
		return func(ctx context.Context) error {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				err := next(ctx)
				if err == nil {
					return nil
				}
				lastErr = err

				// Don't retry if context is done.
				if ctx.Err() != nil {
					return lastErr
				}

				// Don't retry permanent failures or an open circuit.
				var perm *PermanentError
				if errors.As(err, &perm) {
					return perm.Err
				}
				var eco *ErrCircuitOpen
				if errors.As(err, &eco) {
					return err
				}

				if attempt < maxRetries {
					wait := baseBackoff * (1 << uint(attempt))
					if logger != nil {
						logger.WarnContext(ctx, "retrying call",
							"attempt", attempt+1,
							"max_retries", maxRetries,
							"backoff_ms", wait.Milliseconds(),
							"error", err)
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}
