package health

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter maintains one token bucket per key. Used per-collector in the
// registry and per-hostname in the scrape queue.
type KeyedLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewKeyedLimiter creates a limiter pool with rate r tokens per second and
// burst b for every key.
func NewKeyedLimiter(r float64, b int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow consumes a token for key if one is available.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.get(key).Allow()
}

// Reserve checks permission and returns the delay until a token would be
// available. The reservation is cancelled, so this never consumes a token on
// the refusal path.
func (l *KeyedLimiter) Reserve(key string) (bool, time.Duration) {
	r := l.get(key).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

// Tokens reports the current token count for key without consuming.
func (l *KeyedLimiter) Tokens(key string) float64 {
	return l.get(key).Tokens()
}
