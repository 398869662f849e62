package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableAPIErrorType classifies the error.type field of OpenAI-compatible error bodies.
func IsRetryableAPIErrorType(errorType string) bool {
	switch errorType {
	case "rate_limit_exceeded", "rate_limit_error", "server_error", "overloaded_error", "service_unavailable", "timeout":
		return true
	default:
		return false
	}
}

// StatusError is a non-2xx response from an upstream HTTP endpoint.
type StatusError struct {
	Code      int
	ErrorType string
	Body      string
}

func (e *StatusError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("upstream status %d (%s): %s", e.Code, e.ErrorType, e.Body)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// Retryable reports whether err is worth another attempt. Caller cancellation never is.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableHTTPStatus(se.Code) || IsRetryableAPIErrorType(se.ErrorType)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// RetryPolicy bounds Retry. MaxRetries counts attempts after the first.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// Retry calls fn until it succeeds, returns a non-retryable error, the retries are spent or
// ctx is done. It returns the number of attempts made alongside the last error.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	if p.Base <= 0 {
		p.Base = 250 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 4 * time.Second
	}
	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if attempts > p.MaxRetries || !Retryable(err) {
			return attempts, err
		}
		timer := time.NewTimer(ExponentialBackoff(attempts-1, p.Base, p.Cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}
