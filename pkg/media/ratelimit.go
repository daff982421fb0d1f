package media

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/jdziat/clipjobs/pkg/core"
)

// RateLimitedFetcher bounds how often the wrapped fetcher contacts the source host.
type RateLimitedFetcher struct {
	next    Fetcher
	limiter *rate.Limiter
}

// NewRateLimitedFetcher allows perSecond fetch starts per second with the given burst.
func NewRateLimitedFetcher(next Fetcher, perSecond float64, burst int) *RateLimitedFetcher {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedFetcher{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Fetch waits for a slot, then delegates.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, sourceID, dest string) error {
	if err := f.limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.Timeout("fetch", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The wait alone would outlast the deadline.
		return core.Timeout("fetch", err)
	}
	return f.next.Fetch(ctx, sourceID, dest)
}
