package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/transparencia-etl/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	portalRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	portalRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 4, 9, 16, 30},
	}, []string{"error_class"})

	portalRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first request.
	MaxAttempts int

	// RetryInterval is the fixed wait after a 5xx or network failure.
	RetryInterval time.Duration

	// RateLimitBackoff returns the wait after a 429 on the given zero-based attempt.
	RateLimitBackoff func(attemptIndex int) time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:      3,
		RetryInterval:    2 * time.Second,
		RateLimitBackoff: QuadraticBackoff,
	}
}

// QuadraticBackoff waits (attemptIndex+2)^2 seconds: 4s, 9s, 16s, ...
func QuadraticBackoff(attemptIndex int) time.Duration {
	n := attemptIndex + 2
	return time.Duration(n*n) * time.Second
}

// Backoff returns how long to wait after a failure of errorClass on the given
// zero-based attempt.
func (c RetryConfig) Backoff(errorClass ErrorClass, attemptIndex int) time.Duration {
	if errorClass == ErrorClassRateLimit {
		if c.RateLimitBackoff != nil {
			return c.RateLimitBackoff(attemptIndex)
		}
		return QuadraticBackoff(attemptIndex)
	}
	return c.RetryInterval
}

// attemptFunc performs one attempt and classifies its failure.
type attemptFunc func(attemptIndex int) (ErrorClass, error)

// retryWithBackoff runs fn up to config.MaxAttempts times in a bounded loop.
// Client errors return immediately; transient classes wait per Backoff.
func retryWithBackoff(ctx context.Context, config RetryConfig, sleep ratelimit.SleepFunc, fn attemptFunc) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var (
		lastErr   error
		lastClass ErrorClass
	)

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		errorClass, err := fn(attempt)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		lastClass = errorClass

		if !shouldRetry(errorClass) {
			return lastErr
		}

		// If this was the last attempt, don't wait
		if attempt == config.MaxAttempts-1 {
			break
		}

		backoff := config.Backoff(errorClass, attempt)
		portalRetriesTotal.WithLabelValues(string(errorClass)).Inc()
		portalRetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(backoff.Seconds())

		log.Warn().
			Err(err).
			Str("error_class", string(errorClass)).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, backoff); err != nil {
			log.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt+1).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	portalRetryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	log.Warn().
		Str("error_class", string(lastClass)).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}
