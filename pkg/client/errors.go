package client

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrDecode is returned when a 200 response body is not a valid page.
	ErrDecode = errors.New("decode response")
)

// ConfigError reports a missing or invalid setting detected before any
// request is attempted.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// RejectedError is a non-transient 4xx answer. It is never retried.
type RejectedError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("portal rejected request (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("portal rejected request (status %d): %s", e.StatusCode, body)
}

// PortalError represents a transient Portal API failure with additional context.
type PortalError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *PortalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("portal %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("portal %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PortalError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}

// IsRejected reports whether err is a non-retryable rejection.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// IsExhausted reports whether err means every retry attempt failed.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrRetryExhausted)
}

// Describe renders err as a single human-readable line for callers that have
// no error channel besides a string result.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var (
		cfgErr *ConfigError
		rej    *RejectedError
	)
	switch {
	case errors.As(err, &cfgErr):
		return fmt.Sprintf("Error: %s is not configured (%s)", cfgErr.Field, cfgErr.Message)
	case errors.As(err, &rej):
		return fmt.Sprintf("Error: API returned %d: %s", rej.StatusCode, strings.TrimSpace(rej.Body))
	case errors.Is(err, ErrRetryExhausted):
		return fmt.Sprintf("Error: request failed after multiple attempts: %v", err)
	case errors.Is(err, ErrContextCancelled):
		return "Error: request cancelled"
	case errors.Is(err, ErrDecode):
		return fmt.Sprintf("Error: unexpected API response: %v", err)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
