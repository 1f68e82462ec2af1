// Package retry provides retry logic with exponential backoff for upstream requests
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds up to ±20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors is a list of error codes that should trigger retry
	RetryableErrors []errors.ErrorCode `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry policy used for control-plane requests.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  8,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeUpstreamUnavailable,
		},
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 8
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// Config returns a copy of the effective configuration.
func (r *Retryer) Config() Config {
	return r.config
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes the given function with retry logic and context
// support. Non-retryable errors are returned as is; once every attempt has
// failed the last error is wrapped in a RETRY_EXHAUSTED error.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.NewError(errors.ErrCodeOperationCanceled, "operation canceled").WithCause(ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if !r.isRetryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt, err)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.NewError(errors.ErrCodeOperationCanceled,
				fmt.Sprintf("operation canceled after %d attempts", attempt)).WithCause(lastErr)
		case <-timer.C:
		}
	}

	return errors.NewError(errors.ErrCodeRetryExhausted,
		fmt.Sprintf("max retry attempts (%d) exceeded", r.config.MaxAttempts)).
		WithDetail("attempts", r.config.MaxAttempts).
		WithCause(lastErr)
}

// isRetryable reports whether err may clear up on another attempt
func (r *Retryer) isRetryable(err error) bool {
	var expErr *errors.ExporterError
	if stderr.As(err, &expErr) {
		if expErr.Retryable {
			return true
		}
		for _, code := range r.config.RetryableErrors {
			if expErr.Code == code {
				return true
			}
		}
	}

	return false
}

// calculateDelay calculates the delay for the next retry attempt. A longer
// Retry-After hint carried by err wins, still capped at MaxDelay.
func (r *Retryer) calculateDelay(attempt int, err error) time.Duration {
	// initialDelay * multiplier^(attempt-1)
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	d := time.Duration(delay)
	if hint, ok := retryAfter(err); ok && hint > d {
		d = min(hint, r.config.MaxDelay)
	}
	return d
}

func retryAfter(err error) (time.Duration, bool) {
	var expErr *errors.ExporterError
	if !stderr.As(err, &expErr) {
		return 0, false
	}
	d, ok := expErr.Details[errors.DetailRetryAfter].(time.Duration)
	return d, ok
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}
