package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no backend in a [Failover] produced a
// result.
var ErrAllFailed = errors.New("resilience: all backends failed")

// Backend is one named member of a [Failover].
type Backend[T any] struct {
	Name    string
	Value   T
	Breaker *Breaker
}

// Failover tries its backends in registration order, skipping any whose
// breaker is open. The first backend added is the primary.
type Failover[T any] struct {
	backends []Backend[T]
	cfg      BreakerConfig
	log      *slog.Logger
}

// NewFailover creates a [Failover]. cfg is the template for every backend's
// breaker; its Name is replaced with the backend name.
func NewFailover[T any](cfg BreakerConfig) *Failover[T] {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Failover[T]{cfg: cfg, log: log}
}

// Add appends a backend. Not safe to call concurrently with [Do].
func (f *Failover[T]) Add(name string, v T) {
	cfg := f.cfg
	cfg.Name = name
	f.backends = append(f.backends, Backend[T]{Name: name, Value: v, Breaker: NewBreaker(cfg)})
}

// Names returns the backend names in the order they are tried.
func (f *Failover[T]) Names() []string {
	names := make([]string, len(f.backends))
	for i, b := range f.backends {
		names[i] = b.Name
	}
	return names
}

// Backends returns the registered backends.
func (f *Failover[T]) Backends() []Backend[T] {
	return append([]Backend[T](nil), f.backends...)
}

// Do runs fn against each backend until one succeeds and returns the result
// along with the serving backend's name. It stops early once ctx is done.
// When every backend fails the error wraps [ErrAllFailed] and the last
// backend error, so callers can still inspect its cause.
func Do[T, R any](ctx context.Context, f *Failover[T], fn func(ctx context.Context, v T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	if len(f.backends) == 0 {
		return zero, "", fmt.Errorf("%w: no backends registered", ErrAllFailed)
	}
	for _, b := range f.backends {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		var res R
		err := b.Breaker.Execute(func() error {
			var err error
			res, err = fn(ctx, b.Value)
			return err
		})
		if err == nil {
			return res, b.Name, nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			f.log.Debug("skipping backend, circuit open", "backend", b.Name)
			if lastErr == nil {
				lastErr = fmt.Errorf("%s: %w", b.Name, err)
			}
			continue
		}
		lastErr = fmt.Errorf("%s: %w", b.Name, err)
		if ctx.Err() != nil {
			return zero, "", lastErr
		}
		f.log.Warn("backend failed, trying next", "backend", b.Name, "err", err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
