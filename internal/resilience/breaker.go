// Package resilience keeps transcription requests alive across flaky
// backends.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open).
// [Failover] orders several backends of the same kind, each behind its own
// breaker, and [Retry] re-runs an operation with exponential backoff while
// its errors are classified as transient. [STTFailover] and [STTRetry] apply
// both to stt.Provider.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown ends.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. A probe
	// failure re-opens the breaker; enough successes close it.
	StateHalfOpen
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values select defaults.
type BreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive counted failures that opens
	// the breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of half-open calls that must succeed before the
	// breaker closes again. Default: 1.
	Probes int

	// Counts reports whether err should count against the breaker. The
	// default counts everything except context cancellation, since a caller
	// giving up says nothing about the backend.
	Counts func(err error) bool

	// OnStateChange, if set, is called after every transition while the
	// breaker's lock is not held.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	name     string
	max      int
	cooldown time.Duration
	probes   int
	counts   func(error) bool
	onChange func(string, State, State)
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker returns a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.Counts == nil {
		cfg.Counts = countsAgainstBackend
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:     cfg.Name,
		max:      cfg.MaxFailures,
		cooldown: cfg.Cooldown,
		probes:   cfg.Probes,
		counts:   cfg.Counts,
		onChange: cfg.OnStateChange,
		log:      cfg.Logger.With("breaker", cfg.Name),
	}
}

func countsAgainstBackend(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn unless the breaker is open. Errors that the Counts
// predicate rejects are returned without touching the failure count.
func (b *Breaker) Execute(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()

	b.mu.Lock()
	from := b.state
	switch {
	case err == nil:
		b.success(probe)
	case b.counts(err):
		b.failure(probe)
	case probe:
		b.inFlight--
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.inFlight = 0
		b.successes = 0
	}
	if b.state == StateHalfOpen {
		if b.inFlight+b.successes >= b.probes {
			b.mu.Unlock()
			b.notify(from, StateHalfOpen)
			return false, ErrCircuitOpen
		}
		b.inFlight++
		probe = true
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return probe, nil
}

// failure must be called with b.mu held.
func (b *Breaker) failure(probe bool) {
	if probe {
		b.inFlight--
		b.trip()
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.max {
		b.trip()
	}
}

// success must be called with b.mu held.
func (b *Breaker) success(probe bool) {
	if !probe {
		b.failures = 0
		return
	}
	b.inFlight--
	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.probes {
		b.state = StateClosed
		b.failures = 0
		b.successes = 0
	}
}

// trip must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.successes = 0
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case StateOpen:
		b.log.Warn("circuit opened", "from", from)
	default:
		b.log.Info("circuit state changed", "from", from, "to", to)
	}
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

// State reports the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.inFlight = 0
	b.successes = 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
}
