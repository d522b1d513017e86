package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local keeps a token bucket per key in memory. Buckets idle for longer than
// ttl are evicted, so the map stays bounded by the number of active clients.
type Local struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewLocal(rps float64, burst int, ttl time.Duration) *Local {
	return &Local{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// Sweep evicts idle buckets and reports how many remain.
func (l *Local) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(l.now())
	return len(l.buckets)
}

func (l *Local) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, key)
		}
	}
}
