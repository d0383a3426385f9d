package audio

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces successive sends at least one interval apart so that audio is
// streamed no faster than real time. The first Wait returns immediately.
// A Pacer is safe for concurrent use.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a Pacer releasing one send per interval. A non-positive
// interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{limiter: rate.NewLimiter(limit, 1)}
}

// Wait blocks until the next send is due or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
