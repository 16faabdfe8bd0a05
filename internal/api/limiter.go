package api

import (
	"math"
	"sync"
	"time"

	"offlinequeue/internal/config"

	"golang.org/x/time/rate"
)

const (
	defaultBurst = 5
	clientIdle   = 10 * time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client key. Buckets of clients idle
// for longer than clientIdle are evicted on the next sweep.
type rateLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &rateLimiter{
		rps:     rate.Limit(cfg.RPS),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*clientBucket),
	}
}

func (l *rateLimiter) enabled() bool {
	return l.rps > 0
}

// allow takes a token for key. When none is available it returns false and
// the whole seconds until one is.
func (l *rateLimiter) allow(key string) (bool, int) {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) > clientIdle {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > clientIdle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, int(math.Ceil(delay.Seconds()))
}

// size reports the number of tracked clients.
func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
