package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first failN calls per operation with err.
type flakyStore struct {
	inner Store
	err   error
	failN int
	calls int
}

func (f *flakyStore) attempt() error {
	f.calls++
	if f.calls <= f.failN {
		return f.err
	}
	return nil
}

func (f *flakyStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := f.attempt(); err != nil {
		return nil, err
	}
	return f.inner.List(ctx, prefix)
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.attempt(); err != nil {
		return nil, err
	}
	return f.inner.Get(ctx, key)
}

func (f *flakyStore) PutAtomic(ctx context.Context, key string, data []byte) error {
	if err := f.attempt(); err != nil {
		return err
	}
	return f.inner.PutAtomic(ctx, key, data)
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	if err := f.attempt(); err != nil {
		return err
	}
	return f.inner.Delete(ctx, key)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
}

func TestRetryableRecoversFromTransientErrors(t *testing.T) {
	flaky := &flakyStore{
		inner: NewFolderStore(t.TempDir()),
		err:   errors.New("connection reset by peer"),
		failN: 2,
	}
	r := NewRetryable(flaky, fastRetry())
	ctx := context.Background()

	require.NoError(t, r.PutAtomic(ctx, "k", []byte("v")))
	assert.Equal(t, 3, flaky.calls)

	flaky.calls, flaky.failN = 0, 1
	data, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
}

func TestRetryableGivesUp(t *testing.T) {
	flaky := &flakyStore{
		inner: NewFolderStore(t.TempDir()),
		err:   errors.New("throttling: SlowDown"),
		failN: 100,
	}
	r := NewRetryable(flaky, fastRetry())

	err := r.PutAtomic(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryableStopsOnPermanentError(t *testing.T) {
	flaky := &flakyStore{
		inner: NewFolderStore(t.TempDir()),
		err:   errors.New("access denied"),
		failN: 100,
	}
	r := NewRetryable(flaky, fastRetry())

	err := r.PutAtomic(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.Equal(t, 1, flaky.calls)
	// The wrap reports the attempts actually made, not the budget.
	assert.Contains(t, err.Error(), "after 1 attempt")
}

func TestRetryableNotFoundIsNotRetried(t *testing.T) {
	r := NewRetryable(NewFolderStore(t.TempDir()), fastRetry())
	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetryableHonorsContext(t *testing.T) {
	flaky := &flakyStore{
		inner: NewFolderStore(t.TempDir()),
		err:   errors.New("timeout"),
		failN: 100,
	}
	cfg := fastRetry()
	// Backoff would stall forever; MaxDelay raised too so the clamp does
	// not shrink the wait below the context deadline.
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	r := NewRetryable(flaky, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.PutAtomic(ctx, "k", []byte("v"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
