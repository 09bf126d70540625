package google

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultRetryAfter is used when a 429 carries no Retry-After header.
const defaultRetryAfter = 60 * time.Second

// RateLimiter is a token bucket shared by every sheet of one spreadsheet,
// with an extra pause after the API reports a quota hit.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if wait := time.Until(retryAt); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return r.limiter.Wait(ctx)
}

// RecordRateLimitError pauses all requests for retryAfter.
func (r *RateLimiter) RecordRateLimitError(retryAfter time.Duration) {
	if r == nil {
		return
	}
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if at := time.Now().Add(retryAfter); at.After(r.retryAt) {
		r.retryAt = at
	}
}

// Allow reports whether a request could be sent right now.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if time.Now().Before(retryAt) {
		return false
	}
	return r.limiter.Allow()
}
