package billing

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the usage reporting retry configuration:
// one attempt plus five retries waiting 1.5s, 3s, 6s, 12s and 24s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialDelay:      1500 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// RetryPolicy implements exponential backoff retry logic
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a new retry policy. Out of range values fall back
// to the defaults; a zero MaxRetries is kept and disables retries.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.BackoffMultiplier < 1.0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}

	return &RetryPolicy{
		config: config,
	}
}

// MaxAttempts is the initial attempt plus MaxRetries
func (p *RetryPolicy) MaxAttempts() int {
	return p.config.MaxRetries + 1
}

// ShouldRetry determines if a failed attempt should be retried. attempts
// counts the attempts made so far.
func (p *RetryPolicy) ShouldRetry(attempts int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return attempts < p.MaxAttempts()
}

// NextRetryDelay calculates the delay before retry n (0-based):
// InitialDelay * BackoffMultiplier^n
func (p *RetryPolicy) NextRetryDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(n))
	return time.Duration(delay)
}
