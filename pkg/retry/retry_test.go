package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/2i2c-org/jupyterhub-groups-exporter/pkg/errors"
)

func fastConfig(attempts int) Config {
	config := DefaultConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeUpstreamUnavailable, "hub returned 503")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	retryer := New(fastConfig(5))

	attempts := 0
	testErr := errors.NewError(errors.ErrCodeUpstreamRejected, "hub returned 403")

	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	if err != testErr {
		t.Errorf("Expected the original error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_PlainErrorNotRetried(t *testing.T) {
	retryer := New(fastConfig(5))

	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return stderr.New("boom")
	})

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	retryer := New(fastConfig(3))

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeUpstreamUnavailable, "connection refused")
	})

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if code := errors.CodeOf(err); code != errors.ErrCodeRetryExhausted {
		t.Errorf("Expected RETRY_EXHAUSTED, got %v", code)
	}
	if !stderr.Is(err, errors.ErrUpstreamUnavailable) {
		t.Errorf("Expected exhausted error to wrap UPSTREAM_UNAVAILABLE, got %v", err)
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var delays []time.Duration
	retryer := New(fastConfig(4)).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	})

	_ = retryer.Do(func() error {
		return errors.NewError(errors.ErrCodeUpstreamUnavailable, "down")
	})

	if len(delays) != 3 {
		t.Fatalf("Expected 3 retry callbacks, got %d", len(delays))
	}
	if delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond || delays[2] != 4*time.Millisecond {
		t.Errorf("Unexpected backoff sequence %v", delays)
	}
}

func TestRetryer_MaxDelayCap(t *testing.T) {
	retryer := New(fastConfig(10))

	if got := retryer.calculateDelay(8, nil); got != 5*time.Millisecond {
		t.Errorf("calculateDelay(8) = %v, want capped 5ms", got)
	}
}

func TestRetryer_RetryAfterHint(t *testing.T) {
	config := fastConfig(3)
	config.MaxDelay = 50 * time.Millisecond
	retryer := New(config)

	hinted := func(d time.Duration) error {
		return errors.NewError(errors.ErrCodeUpstreamUnavailable, "hub returned HTTP 429").
			WithDetail(errors.DetailRetryAfter, d)
	}

	tests := []struct {
		name string
		err  error
		want time.Duration
	}{
		{"no hint", errors.NewError(errors.ErrCodeUpstreamUnavailable, "down"), time.Millisecond},
		{"longer hint wins", hinted(20 * time.Millisecond), 20 * time.Millisecond},
		{"shorter hint ignored", hinted(0), time.Millisecond},
		{"hint capped at max delay", hinted(time.Hour), 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryer.calculateDelay(1, tt.err); got != tt.want {
				t.Errorf("calculateDelay(1) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig(10)
	config.InitialDelay = time.Second
	config.MaxDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.NewError(errors.ErrCodeUpstreamUnavailable, "down")
	})

	if !stderr.Is(err, &errors.ExporterError{Code: errors.ErrCodeOperationCanceled}) {
		t.Errorf("Expected OPERATION_CANCELED, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	r := New(Config{})
	cfg := r.Config()
	if cfg.MaxAttempts != 8 || cfg.InitialDelay != time.Second || cfg.MaxDelay != time.Minute || cfg.Multiplier != 2 {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
}
