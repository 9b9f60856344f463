package gateway

import (
	"sync"
	"time"
)

// sessionLimiter is a token bucket per session id. Idle buckets are
// forgotten once they have refilled.
type sessionLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     float64
	rate    float64 // tokens per second
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastTime time.Time
}

// newSessionLimiter returns nil when ratePerMinute is not positive, which
// disables limiting.
func newSessionLimiter(maxBurst int, ratePerMinute float64) *sessionLimiter {
	if ratePerMinute <= 0 {
		return nil
	}
	if maxBurst <= 0 {
		maxBurst = 5
	}
	return &sessionLimiter{
		buckets: make(map[string]*bucket),
		max:     float64(maxBurst),
		rate:    ratePerMinute / 60.0,
		now:     time.Now,
	}
}

// Allow takes one token from the session's bucket without waiting.
func (l *sessionLimiter) Allow(session string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[session]
	if !ok {
		b = &bucket{tokens: l.max, lastTime: now}
		l.buckets[session] = b
	}
	b.tokens += now.Sub(b.lastTime).Seconds() * l.rate
	if b.tokens > l.max {
		b.tokens = l.max
	}
	b.lastTime = now

	l.gcLocked(now)
	if b.tokens < 1.0 {
		return false
	}
	b.tokens--
	return true
}

func (l *sessionLimiter) gcLocked(now time.Time) {
	if len(l.buckets) < 1024 {
		return
	}
	full := time.Duration(l.max / l.rate * float64(time.Second))
	for k, b := range l.buckets {
		if now.Sub(b.lastTime) > full {
			delete(l.buckets, k)
		}
	}
}
