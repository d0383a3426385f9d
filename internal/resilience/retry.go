package resilience

import (
	"context"
	"log/slog"
	"time"
)

// Retry defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
)

// RetryPolicy re-runs an operation with exponential backoff. The zero value
// uses the defaults above and retries every error.
type RetryPolicy struct {
	// MaxAttempts counts the first try. 1 disables retrying.
	MaxAttempts int

	// Backoff is the wait after the first failure. It doubles per attempt up
	// to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt. Nil means
	// every error is.
	Retryable func(error) bool

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)

	Logger *slog.Logger
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Wait returns the backoff before attempt n+1, given that attempt n (1-based)
// failed.
func (p RetryPolicy) Wait(n int) time.Duration {
	p = p.withDefaults()
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. The last error from fn is returned as is.
func Retry[R any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (R, error)) (R, error) {
	p = p.withDefaults()
	var zero R
	for attempt := 1; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if attempt >= p.MaxAttempts || ctx.Err() != nil {
			return zero, err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}

		wait := p.Wait(attempt)
		p.Logger.Info("retrying after error",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"backoff", wait,
			"err", err,
		)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, err
		case <-t.C:
		}
	}
}
