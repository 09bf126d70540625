package api

import (
	"sync"
	"sync/atomic"
	"time"

	"realtysync/internal/config"

	"golang.org/x/time/rate"
)

const (
	defaultBurst = 5
	// Buckets of clients idle this long are dropped on the next sweep.
	limiterIdleAfter = 10 * time.Minute
	sweepEvery       = 1024
)

// clientLimits holds the buckets of one client. write is nil when writes
// only draw from the general bucket.
type clientLimits struct {
	all   *rate.Limiter
	write *rate.Limiter
	seen  atomic.Int64
}

// rateLimiter hands out token buckets per client key. Every accepted write
// ends in a Sheets write, so writes may also draw from a tighter bucket of
// their own.
type rateLimiter struct {
	limiters sync.Map
	cfg      *config.APIConfig
	calls    atomic.Uint64
	now      func() time.Time
}

func newRateLimiter(cfg *config.APIConfig) *rateLimiter {
	return &rateLimiter{
		cfg: cfg,
		now: time.Now,
	}
}

func (l *rateLimiter) getLimiter(key string) *clientLimits {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*clientLimits)
	}

	rl := l.cfg.RateLimit
	c := &clientLimits{all: rate.NewLimiter(rate.Limit(rl.RPS), burstOr(rl.Burst))}
	if rl.WriteRPS > 0 {
		c.write = rate.NewLimiter(rate.Limit(rl.WriteRPS), burstOr(rl.WriteBurst))
	}
	actual, _ := l.limiters.LoadOrStore(key, c)
	return actual.(*clientLimits)
}

// allow takes a token for the request. When refused it reports how long
// until one is free, and no bucket is charged.
func (l *rateLimiter) allow(key string, write bool) (bool, time.Duration) {
	if l.calls.Add(1)%sweepEvery == 0 {
		l.sweep()
	}

	now := l.now()
	c := l.getLimiter(key)
	c.seen.Store(now.UnixNano())

	general := c.all.ReserveN(now, 1)
	if wait := general.DelayFrom(now); wait > 0 {
		general.CancelAt(now)
		return false, wait
	}
	if write && c.write != nil {
		w := c.write.ReserveN(now, 1)
		if wait := w.DelayFrom(now); wait > 0 {
			w.CancelAt(now)
			general.CancelAt(now)
			return false, wait
		}
	}
	return true, 0
}

func (l *rateLimiter) sweep() {
	cutoff := l.now().Add(-limiterIdleAfter).UnixNano()
	l.limiters.Range(func(k, v interface{}) bool {
		if v.(*clientLimits).seen.Load() < cutoff {
			l.limiters.Delete(k)
		}
		return true
	})
}

func burstOr(burst int) int {
	if burst <= 0 {
		return defaultBurst
	}
	return burst
}

// retryAfterSeconds rounds wait up to whole seconds for the Retry-After header.
func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
