package client

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Sternrassler/transparencia-etl/internal/testutil"
)

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts=3, got %d", cfg.MaxAttempts)
	}
	if cfg.RetryInterval != 2*time.Second {
		t.Errorf("Expected RetryInterval=2s, got %v", cfg.RetryInterval)
	}
	if cfg.RateLimitBackoff == nil {
		t.Fatal("Expected RateLimitBackoff to be set")
	}
}

func TestQuadraticBackoff(t *testing.T) {
	tests := []struct {
		attemptIndex int
		expected     time.Duration
	}{
		{0, 4 * time.Second},
		{1, 9 * time.Second},
		{2, 16 * time.Second},
	}

	for _, tt := range tests {
		if got := QuadraticBackoff(tt.attemptIndex); got != tt.expected {
			t.Errorf("QuadraticBackoff(%d) = %v, want %v", tt.attemptIndex, got, tt.expected)
		}
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := DefaultRetryConfig()

	tests := []struct {
		name         string
		errorClass   ErrorClass
		attemptIndex int
		expected     time.Duration
	}{
		{"server uses fixed interval", ErrorClassServer, 0, 2 * time.Second},
		{"server interval does not grow", ErrorClassServer, 1, 2 * time.Second},
		{"network uses fixed interval", ErrorClassNetwork, 1, 2 * time.Second},
		{"rate limit first wait", ErrorClassRateLimit, 0, 4 * time.Second},
		{"rate limit second wait", ErrorClassRateLimit, 1, 9 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.Backoff(tt.errorClass, tt.attemptIndex); got != tt.expected {
				t.Errorf("Backoff(%s, %d) = %v, want %v", tt.errorClass, tt.attemptIndex, got, tt.expected)
			}
		})
	}

	if got := (RetryConfig{}).Backoff(ErrorClassRateLimit, 0); got != 4*time.Second {
		t.Errorf("zero config rate limit backoff = %v, want 4s", got)
	}
}

// classSequence returns an attemptFunc that fails with classes in order and
// succeeds once they run out.
func classSequence(classes ...ErrorClass) (attemptFunc, *int) {
	calls := 0
	return func(attemptIndex int) (ErrorClass, error) {
		calls++
		if attemptIndex < len(classes) {
			return classes[attemptIndex], errors.New(string(classes[attemptIndex]) + " failure")
		}
		return "", nil
	}, &calls
}

func TestRetryWithBackoff_Success(t *testing.T) {
	sleeper := &testutil.SleepRecorder{}
	fn, calls := classSequence()

	if err := retryWithBackoff(context.Background(), DefaultRetryConfig(), sleeper.Sleep, fn); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if *calls != 1 {
		t.Errorf("Expected 1 call, got %d", *calls)
	}
	if len(sleeper.Sleeps()) != 0 {
		t.Errorf("Expected no sleeps, got %v", sleeper.Sleeps())
	}
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	sleeper := &testutil.SleepRecorder{}
	fn, calls := classSequence(ErrorClassServer, ErrorClassServer)

	if err := retryWithBackoff(context.Background(), DefaultRetryConfig(), sleeper.Sleep, fn); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if *calls != 3 {
		t.Errorf("Expected 3 calls, got %d", *calls)
	}
	want := []time.Duration{2 * time.Second, 2 * time.Second}
	if got := sleeper.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sleeps = %v, want %v", got, want)
	}
}

func TestRetryWithBackoff_MaxAttemptsExhausted(t *testing.T) {
	sleeper := &testutil.SleepRecorder{}
	fn, calls := classSequence(ErrorClassServer, ErrorClassNetwork, ErrorClassServer, ErrorClassServer)

	err := retryWithBackoff(context.Background(), DefaultRetryConfig(), sleeper.Sleep, fn)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if *calls != 3 {
		t.Errorf("Expected 3 calls, got %d", *calls)
	}
	// No wait follows the final attempt.
	if got := len(sleeper.Sleeps()); got != 2 {
		t.Errorf("Expected 2 sleeps, got %d", got)
	}
}

func TestRetryWithBackoff_ClientErrorNoRetry(t *testing.T) {
	sleeper := &testutil.SleepRecorder{}
	rejected := &RejectedError{StatusCode: 404}
	calls := 0
	fn := func(int) (ErrorClass, error) {
		calls++
		return ErrorClassClient, rejected
	}

	err := retryWithBackoff(context.Background(), DefaultRetryConfig(), sleeper.Sleep, fn)
	if !errors.Is(err, rejected) {
		t.Errorf("Expected the rejection itself, got %v", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("A rejection must not be reported as exhausted")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if len(sleeper.Sleeps()) != 0 {
		t.Errorf("Expected no sleeps, got %v", sleeper.Sleeps())
	}
}

func TestRetryWithBackoff_RateLimitQuadraticBackoff(t *testing.T) {
	sleeper := &testutil.SleepRecorder{}
	fn, _ := classSequence(ErrorClassRateLimit, ErrorClassRateLimit)

	if err := retryWithBackoff(context.Background(), DefaultRetryConfig(), sleeper.Sleep, fn); err != nil {
		t.Fatalf("Expected success on third attempt, got %v", err)
	}
	want := []time.Duration{4 * time.Second, 9 * time.Second}
	if got := sleeper.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("Sleeps = %v, want %v", got, want)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	fn := func(int) (ErrorClass, error) {
		calls++
		cancel()
		return ErrorClassServer, errors.New("server error")
	}

	err := retryWithBackoff(ctx, DefaultRetryConfig(), (&testutil.SleepRecorder{}).Sleep, fn)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRetryWithBackoff_MinimumOneAttempt(t *testing.T) {
	fn, calls := classSequence(ErrorClassServer)

	err := retryWithBackoff(context.Background(), RetryConfig{}, (&testutil.SleepRecorder{}).Sleep, fn)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if *calls != 1 {
		t.Errorf("Expected 1 call, got %d", *calls)
	}
}
