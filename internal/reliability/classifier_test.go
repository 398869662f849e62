package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"status 503", &StatusError{Code: 503}, true},
		{"status 400", &StatusError{Code: 400}, false},
		{"overloaded body", &StatusError{Code: 400, ErrorType: "overloaded_error"}, true},
		{"wrapped status", fmt.Errorf("complete: %w", &StatusError{Code: 429}), true},
		{"plain", errors.New("bad json"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want %v", got, 400*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), RetryPolicy{MaxRetries: 3, Base: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Code: 502}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry err = %v, want nil", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryGivesUp(t *testing.T) {
	attempts, err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, Base: time.Millisecond}, func(context.Context) error {
		return &StatusError{Code: 503}
	})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StatusError", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}

	attempts, _ = Retry(context.Background(), RetryPolicy{MaxRetries: 5, Base: time.Millisecond}, func(context.Context) error {
		return &StatusError{Code: 401}
	})
	if attempts != 1 {
		t.Fatalf("non-retryable attempts = %d, want 1", attempts)
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := Retry(ctx, RetryPolicy{MaxRetries: 10, Base: time.Hour}, func(context.Context) error {
		cancel()
		return &StatusError{Code: 503}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}
