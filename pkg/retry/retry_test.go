package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cepbridge/errors"
)

func fast(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fast(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.WrapTransient(errors.ErrConnectionTimeout, "Test", "dial", "connect")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_AllAttemptsFail(t *testing.T) {
	attempts := 0
	boom := stderrors.New("refused")
	err := Do(context.Background(), fast(4), func() error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, 4, attempts)
}

func TestDo_StopsOnClassifiedErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid", errors.WrapInvalid(errors.ErrInvalidConfig, "Test", "dial", "load certificate")},
		{"fatal", errors.WrapFatal(stderrors.New("bad key"), "Test", "dial", "load key")},
		{"marked", NonRetryable(stderrors.New("no"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := Do(context.Background(), fast(5), func() error {
				attempts++
				return tt.err
			})
			assert.Error(t, err)
			assert.Equal(t, 1, attempts)
		})
	}
}

func TestDo_OnRetry(t *testing.T) {
	var seen []int
	cfg := fast(3)
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		seen = append(seen, attempt)
		assert.Positive(t, next)
		assert.Error(t, err)
	}
	_ = Do(context.Background(), cfg, func() error { return stderrors.New("x") })
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second}

	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Do(ctx, cfg, func() error {
		attempts++
		return stderrors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, attempts)
}

func TestDo_BackoffCapped(t *testing.T) {
	var delays []time.Duration
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   3.0,
		OnRetry:      func(_ int, _ error, next time.Duration) { delays = append(delays, next) },
	}
	_ = Do(context.Background(), cfg, func() error { return stderrors.New("x") })
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}, delays)
}

func TestDo_InvalidConfig(t *testing.T) {
	called := false
	fn := func() error { called = true; return nil }

	err := Do(context.Background(), Config{InitialDelay: -1}, fn)
	assert.True(t, errors.IsInvalid(err))
	err = Do(context.Background(), Config{InitialDelay: time.Second, MaxDelay: time.Millisecond}, fn)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, called)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	_ = Do(context.Background(), Config{}, func() error {
		attempts++
		return stderrors.New("x")
	})
	assert.Equal(t, 1, attempts)
}

func TestPresets(t *testing.T) {
	d := DefaultConfig()
	assert.Equal(t, 3, d.MaxAttempts)

	c := Connect(0)
	assert.Equal(t, 5, c.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, c.InitialDelay)
	assert.Equal(t, 8, Connect(8).MaxAttempts)
}
