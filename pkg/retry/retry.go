// Package retry runs an operation with capped exponential backoff. The
// bridge uses it to establish broker connections at startup, where a
// failure after the last attempt is fatal.
//
// An error classified invalid or fatal by the errors package, or marked
// with NonRetryable, ends the loop at once.
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/c360/cepbridge/errors"
)

// maxMultiplier bounds the growth factor so the next delay cannot overflow.
const maxMultiplier = 1000

// NonRetryableError marks an error the operation knows retrying cannot fix.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return "non-retryable: " + e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable marks err so Do returns it without another attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err ends the retry loop.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return stderrors.As(err, &nre) || errors.IsInvalid(err) || errors.IsFatal(err)
}

// Config is a backoff policy. Zero fields take the DefaultConfig values,
// except MaxAttempts where zero means one attempt.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	AddJitter    bool // up to 25% extra per delay

	// OnRetry runs after each failed attempt that will be retried, with the
	// attempt number and the delay before the next one.
	OnRetry func(attempt int, err error, next time.Duration)
}

// DefaultConfig returns 3 attempts between 100ms and 5s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
}

// Connect returns the broker connection policy. attempts <= 0 means 5.
func Connect(attempts int) Config {
	if attempts <= 0 {
		attempts = 5
	}
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
}

func (cfg Config) withDefaults() (Config, error) {
	if cfg.InitialDelay < 0 || cfg.MaxDelay < 0 || cfg.Multiplier < 0 {
		return cfg, errors.WrapInvalid(fmt.Errorf("negative delay or multiplier"),
			"Retry", "Do", "validate config")
	}
	def := DefaultConfig()
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = def.Multiplier
	}
	cfg.Multiplier = min(cfg.Multiplier, maxMultiplier)
	if cfg.MaxDelay < cfg.InitialDelay {
		return cfg, errors.WrapInvalid(
			fmt.Errorf("max delay %s below initial delay %s", cfg.MaxDelay, cfg.InitialDelay),
			"Retry", "Do", "validate config")
	}
	return cfg, nil
}

// wait returns the sleep before the next attempt and advances delay.
func (cfg Config) wait(delay *time.Duration) time.Duration {
	sleep := *delay
	if cfg.AddJitter && sleep >= 4 {
		sleep += rand.N(sleep / 4)
	}
	*delay = min(time.Duration(float64(*delay)*cfg.Multiplier), cfg.MaxDelay)
	return sleep
}

// Do runs fn until it succeeds, returns a non-retryable error, ctx ends or
// the attempts run out. The returned error wraps the last failure.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case IsNonRetryable(err):
			return err
		case ctx.Err() != nil:
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, stderrors.Join(ctx.Err(), err))
		case attempt >= cfg.MaxAttempts:
			return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, err)
		}

		sleep := cfg.wait(&delay)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff after attempt %d: %w", attempt, stderrors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}
