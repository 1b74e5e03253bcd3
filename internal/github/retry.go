package github

import (
	"context"
	"net/http"
	"time"
)

// RetryConfig configures backoff for transient GitHub failures.
type RetryConfig struct {
	// MaxAttempts counts the first call. Default: 3
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt. Default: 500ms
	InitialBackoff time.Duration
	// BackoffMultiplier grows the delay between attempts. Default: 2
	BackoffMultiplier float64
	// MaxBackoff caps a single delay. Default: 10s
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        10 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffMultiplier)
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// isRetryable reports whether a failed call may succeed on retry. parent is
// the caller's context: its cancellation is never retried.
func isRetryable(parent context.Context, status int, err error) bool {
	if parent.Err() != nil {
		return false
	}
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	if status != 0 {
		return false
	}
	// No response at all: network failure or per-call timeout.
	return err != nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
