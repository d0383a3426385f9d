package resilience

import (
	"context"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// STTFailover implements [stt.Provider] by failing over across several
// backends, each behind its own breaker. Any error moves on to the next
// backend, but only transient errors count against a breaker.
type STTFailover struct {
	group *Failover[stt.Provider]
}

var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover creates an [STTFailover] with primary as the preferred
// backend.
func NewSTTFailover(primaryName string, primary stt.Provider, cfg BreakerConfig) *STTFailover {
	if cfg.Counts == nil {
		cfg.Counts = stt.IsTransient
	}
	g := NewFailover[stt.Provider](cfg)
	g.Add(primaryName, primary)
	return &STTFailover{group: g}
}

// AddFallback registers another backend, tried after those already added.
func (f *STTFailover) AddFallback(name string, p stt.Provider) {
	f.group.Add(name, p)
}

// Names returns the backend names in failover order.
func (f *STTFailover) Names() []string { return f.group.Names() }

// Breakers returns each backend's breaker, keyed by name.
func (f *STTFailover) Breakers() map[string]*Breaker {
	out := make(map[string]*Breaker)
	for _, b := range f.group.Backends() {
		out[b.Name] = b.Breaker
	}
	return out
}

// Transcribe runs req against the first healthy backend.
func (f *STTFailover) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	res, _, err := Do(ctx, f.group, func(ctx context.Context, p stt.Provider) (*stt.Result, error) {
		return p.Transcribe(ctx, req)
	})
	return res, err
}

// STTRetry implements [stt.Provider] by retrying transient failures of the
// wrapped provider.
type STTRetry struct {
	provider stt.Provider
	policy   RetryPolicy
}

var _ stt.Provider = (*STTRetry)(nil)

// NewSTTRetry wraps p. A nil policy.Retryable defaults to stt.IsTransient.
func NewSTTRetry(p stt.Provider, policy RetryPolicy) *STTRetry {
	if policy.Retryable == nil {
		policy.Retryable = stt.IsTransient
	}
	return &STTRetry{provider: p, policy: policy}
}

// Transcribe forwards req, retrying while the error is transient.
func (r *STTRetry) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	return Retry(ctx, r.policy, func(ctx context.Context) (*stt.Result, error) {
		return r.provider.Transcribe(ctx, req)
	})
}
