package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/genkai-ai/gatehouse/generate"
	"github.com/genkai-ai/gatehouse/telemetry"
)

type (
	// RetryConfig configures retry behavior for generation calls.
	RetryConfig struct {
		// MaxAttempts is the maximum number of attempts including the
		// initial one. Zero or one means no retries.
		MaxAttempts int
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration
		// MaxBackoff caps the delay between retries.
		MaxBackoff time.Duration
		// BackoffMultiplier grows the delay after each retry. 2.0 gives
		// exponential backoff.
		BackoffMultiplier float64
		// Jitter adds randomness to each delay to avoid thundering herds.
		// 0.1 adds up to 10% in either direction.
		Jitter float64
		// Logger receives one debug line per retry. Nil discards them.
		Logger telemetry.Logger
	}

	// ExhaustedError is returned when every retry attempt failed.
	ExhaustedError struct {
		// Attempts is the number of attempts made.
		Attempts int
		// TotalDuration is the wall time spent across attempts.
		TotalDuration time.Duration
		// LastError is the error from the final attempt.
		LastError error
	}

	retryClient struct {
		next generate.Client
		cfg  RetryConfig
	}
)

// DefaultRetryConfig returns the retry configuration used when callers pass
// a zero MaxAttempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Error returns the exhaustion message including the final cause.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the error from the final attempt.
func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Retryable reports whether a failed generation call may succeed when
// repeated unchanged. Cancellations never retry; deadline expiry, transient
// provider failures and network timeouts do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if generate.IsTransient(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	return false
}

// NewRetry returns a generate.Client middleware that repeats failed calls
// per cfg. Only errors Retryable reports true for are repeated.
func NewRetry(cfg RetryConfig) func(generate.Client) generate.Client {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return func(next generate.Client) generate.Client {
		if next == nil {
			return nil
		}
		return &retryClient{next: next, cfg: cfg}
	}
}

// RetrieveAndGenerate runs the call with the configured retry policy.
func (c *retryClient) RetrieveAndGenerate(ctx context.Context, req *generate.Request) (*generate.Result, error) {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		res, err := c.next.RetrieveAndGenerate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !Retryable(err) {
			return nil, err
		}
		if attempt >= c.cfg.MaxAttempts {
			break
		}

		backoff := c.backoff(attempt)
		c.cfg.Logger.Debug(ctx, "retrying generation",
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err.Error())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, &ExhaustedError{
		Attempts:      c.cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     lastErr,
	}
}

// backoff computes the delay before the retry following attempt.
func (c *retryClient) backoff(attempt int) time.Duration {
	d := float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(c.cfg.MaxBackoff) {
		d = float64(c.cfg.MaxBackoff)
	}
	if c.cfg.Jitter > 0 {
		d += d * c.cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter needs no crypto rand
	}
	return time.Duration(d)
}
