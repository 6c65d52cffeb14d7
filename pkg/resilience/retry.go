package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig defines configuration for exponential-backoff retries
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
	// RetryIf filters which errors are retried; nil retries everything
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the defaults used for collaborator calls
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  30 * time.Second,
	}
}

// Retry runs operation with exponential backoff until it succeeds, the retry
// budget is exhausted, or the context is cancelled.
func Retry(ctx context.Context, config RetryConfig, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.Multiplier = config.Multiplier
	b.MaxElapsedTime = config.MaxElapsedTime

	var policy backoff.BackOff = b
	if config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		err := operation()
		if err != nil && config.RetryIf != nil && !config.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// NewReconnectBackOff builds the backoff the transport uses between reconnect
// attempts: delay = initial × multiplier^attempt, capped at max, with no
// elapsed-time budget (the connection breaker bounds the loop instead).
func NewReconnectBackOff(initial, max time.Duration, multiplier float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
