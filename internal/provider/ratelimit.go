package provider

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a provider's rate limit locally with a token bucket.
// The bucket is resized whenever the provider reports new limits, so a
// burst of batch pulls never trips the remote limiter.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewLimiter creates a limiter allowing n requests per second with the
// given burst.
func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a token is available or the context is done
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	lim := l.limiter
	l.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return NewError(KindTransient, "ratelimit.wait", "cancelled while waiting for rate limit", err)
	}
	return nil
}

// Reserve returns a RateLimited error carrying the retry-after hint
// instead of blocking when no token is available.
func (l *Limiter) Reserve() error {
	l.mu.Lock()
	r := l.limiter.Reserve()
	l.mu.Unlock()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	r.Cancel()
	err := NewError(KindRateLimited, "ratelimit.reserve", "local rate limit exceeded", nil)
	err.RetryAfter = delay
	return err
}

// Resize adjusts the bucket from provider-reported limits. remaining is
// the calls left in the window ending at reset.
func (l *Limiter) Resize(remaining int, reset time.Time) {
	window := time.Until(reset)
	if window <= 0 || remaining <= 0 {
		return
	}
	perSecond := float64(remaining) / window.Seconds()
	l.mu.Lock()
	l.limiter.SetLimit(rate.Limit(perSecond))
	l.mu.Unlock()
}
