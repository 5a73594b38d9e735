package backup

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for store operations.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns sensible defaults for object storage.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// Retryable wraps a Store with exponential backoff on transient errors.
type Retryable struct {
	store  Store
	config RetryConfig
}

// NewRetryable creates a retrying wrapper around store.
func NewRetryable(store Store, config RetryConfig) *Retryable {
	return &Retryable{store: store, config: config}
}

func (r *Retryable) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.retry(ctx, "list", func() error {
		var err error
		out, err = r.store.List(ctx, prefix)
		return err
	})
	return out, err
}

func (r *Retryable) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.retry(ctx, "get", func() error {
		var err error
		out, err = r.store.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *Retryable) PutAtomic(ctx context.Context, key string, data []byte) error {
	return r.retry(ctx, "put_atomic", func() error {
		return r.store.PutAtomic(ctx, key, data)
	})
}

func (r *Retryable) Delete(ctx context.Context, key string) error {
	return r.retry(ctx, "delete", func() error {
		return r.store.Delete(ctx, key)
	})
}

func (r *Retryable) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay(attempt)):
			}
		}
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// delay implements exponential backoff with ±25% jitter.
func (r *Retryable) delay(attempt int) time.Duration {
	d := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if d > float64(r.config.MaxDelay) {
		d = float64(r.config.MaxDelay)
	}
	jitter := d * 0.25 * (2*rand.Float64() - 1)
	return time.Duration(d + jitter)
}

// isRetryableError determines if an error should be retried.
func isRetryableError(err error) bool {
	if err == nil || err == ErrNotFound {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"server error",
		"throttling",
		"slowdown",
		"requesttimeout",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
