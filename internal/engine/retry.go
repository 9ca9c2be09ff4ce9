package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/mermend/pkg/schema"
)

// RetryPolicy bounds automatic re-renders after a retryable failure.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Delay      time.Duration `json:"delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	// Backoff is one of none, constant, linear, exponential.
	Backoff string `json:"backoff"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		Delay:      200 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Backoff:    "exponential",
	}
}

// IsRetryableError classifies whether a render failure may succeed on a
// second attempt. Syntax and grammar failures never do; a missing binary,
// a timeout or a broken pipe to a renderer process might.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancelled means the session is going away.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var de *schema.DiagramError
	if errors.As(err, &de) {
		return de.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"resource temporarily unavailable",
		"temporary failure",
		"i/o timeout",
		"too many open files",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Untyped errors from renderer code are treated as content failures.
	return false
}

// ComputeBackoff calculates the delay before retry attempt number attempt
// (0-based). Supports none, constant, linear, and exponential backoff with
// an optional MaxDelay cap.
func ComputeBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}

	base := policy.Delay
	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // "none", "constant" or empty
		delay = base
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
