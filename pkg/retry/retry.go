// Package retry runs remote calls with the reconnect-once policy: a call that fails with a
// transport error triggers one reconnect and exactly one more attempt.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/objectfs/iquestfs/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts counts the initial attempt. The remote policy is 2.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Delay is waited between attempts.
	Delay time.Duration `yaml:"delay" json:"delay"`

	// ShouldRetry decides whether err may be retried. Defaults to errors.IsTransport.
	ShouldRetry func(err error) bool `yaml:"-" json:"-"`

	// BeforeRetry runs before every retry; reconnect hooks in here. An error from it
	// aborts the retry and is returned wrapped with the original failure.
	BeforeRetry func(ctx context.Context, attempt int, err error) error `yaml:"-" json:"-"`

	// OnRetry is an observation hook called after BeforeRetry succeeds.
	OnRetry func(attempt int, err error) `yaml:"-" json:"-"`
}

// DefaultConfig returns the reconnect-once configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 2,
		ShouldRetry: errors.IsTransport,
	}
}

// Retryer executes functions under a retry policy.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling zero values from DefaultConfig.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 2
	}
	if config.ShouldRetry == nil {
		config.ShouldRetry = errors.IsTransport
	}
	return &Retryer{config: config}
}

// Do executes fn with retry logic.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn, retrying per the configured policy.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("operation canceled after %d attempts: %w", attempt-1, lastErr)
			}
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= r.config.MaxAttempts || !r.config.ShouldRetry(err) {
			return err
		}

		if r.config.BeforeRetry != nil {
			if hookErr := r.config.BeforeRetry(ctx, attempt, err); hookErr != nil {
				return fmt.Errorf("retry aborted (%v): %w", err, hookErr)
			}
		}
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err)
		}

		if r.config.Delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("operation canceled after %d attempts: %w", attempt, err)
			case <-time.After(r.config.Delay):
			}
		}
	}

	return lastErr
}

// WithMaxAttempts returns a copy with modified max attempts.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	c := r.config
	c.MaxAttempts = attempts
	return New(c)
}

// WithBeforeRetry returns a copy with a pre-retry hook.
func (r *Retryer) WithBeforeRetry(hook func(ctx context.Context, attempt int, err error) error) *Retryer {
	c := r.config
	c.BeforeRetry = hook
	return New(c)
}

// WithOnRetry returns a copy with a retry callback.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error)) *Retryer {
	c := r.config
	c.OnRetry = callback
	return New(c)
}

// Value runs fn under r and returns its result.
func Value[T any](ctx context.Context, r *Retryer, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
