package engine

import (
	"context"
	"errors"
	"time"

	"github.com/floworc/floworc/pkg/schema"
)

// IsRetryableError classifies whether a step error should be retried.
// Structural and configuration errors are terminal; processor failures and
// timeouts are transient.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context deadline exceeded is a step timeout, retryable.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancelled means the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	// Unknown errors default to retryable; the attempt budget bounds the damage.
	return true
}

// Backoff returns the delay before retry attempt n (1-based): 2^n seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// WaitForBackoff sleeps for the delay or returns early if the context is
// cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
