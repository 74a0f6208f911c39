package fetch

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryConfig defines the backoff policy for transient API failures.
type RetryConfig struct {
	MaxAttempts   int           `toml:"max_attempts"`
	InitialDelay  time.Duration `toml:"initial_delay"`
	MaxDelay      time.Duration `toml:"max_delay"`
	BackoffFactor float64       `toml:"backoff_factor"`
}

// DefaultRetryConfig mirrors the retry policy the audited endpoint's
// existing clients use: three attempts, factor-two backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (c RetryConfig) validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.InitialDelay <= 0 {
		return fmt.Errorf("retry initial_delay must be positive, got %v", c.InitialDelay)
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("retry max_delay must be >= initial_delay")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("retry backoff_factor must be >= 1, got %v", c.BackoffFactor)
	}
	return nil
}

// delay computes the backoff before the given attempt (1-based; attempt 1
// has no delay).
func (c RetryConfig) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-2)))
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// sleep waits for the backoff delay or until the context ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryableStatuses are the HTTP statuses treated as transient, matching
// the status list the endpoint's existing clients retry on.
var retryableStatuses = map[int]bool{
	408: true,
	413: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}
