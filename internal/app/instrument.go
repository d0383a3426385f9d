package app

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// instrumented records metrics and a span for every call to one backend.
type instrumented struct {
	name    string
	next    stt.Provider
	metrics *observe.Metrics
}

var _ stt.Provider = (*instrumented)(nil)

func (p *instrumented) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	ctx, span := observe.StartSpan(ctx, "stt."+p.name)
	start := time.Now()

	res, err := p.next.Transcribe(ctx, req)

	var audioLen time.Duration
	if res != nil {
		audioLen = res.AudioDuration
	}
	p.metrics.RecordTranscription(ctx, p.name, time.Since(start), audioLen, err)
	if err != nil {
		p.metrics.RecordProviderError(ctx, p.name, errorKind(err))
	}
	observe.EndSpan(span, err)
	return res, err
}

// errorKind buckets provider errors for the errors counter.
func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case stt.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
