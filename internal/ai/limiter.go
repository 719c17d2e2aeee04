package ai

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/nhle/reply-optimizer/internal/model"
)

// RateLimited throttles calls to the wrapped generator.
type RateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond calls per second with the given burst.
func NewRateLimited(next Generator, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Generate waits for a token, then delegates. A wait that cannot finish
// before the context deadline fails with ReasonRateLimited.
func (r *RateLimited) Generate(ctx context.Context, req Request) (*model.ReplyDraft, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, classify(ctx.Err())
		}
		return nil, &GenerationError{Reason: ReasonRateLimited, Err: err}
	}
	return r.next.Generate(ctx, req)
}
