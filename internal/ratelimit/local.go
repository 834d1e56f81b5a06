package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalTokenBucket keeps buckets in process memory, for single-instance
// deployments that run without Redis.
type LocalTokenBucket struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	policies Policies
	now      func() time.Time
}

func NewLocalTokenBucket(policies Policies) (*LocalTokenBucket, error) {
	if err := policies.validate(); err != nil {
		return nil, err
	}
	return &LocalTokenBucket{
		buckets:  make(map[string]*rate.Limiter),
		policies: policies,
		now:      time.Now,
	}, nil
}

func (l *LocalTokenBucket) bucket(key Key) *rate.Limiter {
	name := key.String()

	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[name]
	if !ok {
		p := l.policies.For(key.Scope)
		lim = rate.NewLimiter(rate.Limit(float64(p.Capacity)/p.Window.Seconds()), p.Capacity)
		l.buckets[name] = lim
	}
	return lim
}

func (l *LocalTokenBucket) Allow(_ context.Context, key Key) (Decision, error) {
	lim := l.bucket(key)
	now := l.now()

	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int64(lim.TokensAt(now))}, nil
}
