// Package mock provides a test double for the stt.Provider interface.
//
// Provider records every Transcribe call and plays back scripted outcomes:
// set Results / Errors for per-call behaviour, or Result / Err for a fixed
// answer. Partials are delivered to Request.OnPartial before returning.
//
// Example:
//
//	p := &mock.Provider{
//	    Partials: []string{"hel", "hello"},
//	    Result:   &stt.Result{Text: "hello world"},
//	}
//	res, _ := p.Transcribe(ctx, stt.Request{Audio: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Req is the request passed to Transcribe, with Audio copied.
	Req stt.Request
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results and Errors script the outcome of successive calls. Call i uses
	// Errors[i] if present and non-nil, otherwise Results[i] if present.
	Results []*stt.Result
	Errors  []error

	// Result and Err are used once the scripted slices are exhausted.
	Result *stt.Result
	Err    error

	// Partials are sent to Request.OnPartial before every result.
	Partials []string

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the scripted outcome. It honours
// ctx cancellation.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	p.mu.Lock()
	i := len(p.Calls)
	rec := req
	rec.Audio = append([]byte(nil), req.Audio...)
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Req: rec})

	res, err := p.Result, p.Err
	if i < len(p.Errors) && p.Errors[i] != nil {
		res, err = nil, p.Errors[i]
	} else if i < len(p.Results) {
		res, err = p.Results[i], nil
	}
	partials := p.Partials
	p.mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	if req.OnPartial != nil {
		for _, text := range partials {
			req.OnPartial(stt.Transcript{Text: text})
		}
	}
	if res == nil {
		res = &stt.Result{}
	}
	out := *res
	return &out, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
