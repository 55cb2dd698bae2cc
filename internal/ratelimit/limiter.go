package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per owner
type Limiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	perHour  int
}

// NewLimiter creates a new rate limiter
// requestsPerHour: sustained requests allowed per hour per owner (e.g., 100)
// burst: max requests in a burst (e.g., 10)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
		perHour:  requestsPerHour,
	}
}

func (l *Limiter) forOwner(ownerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.limiters[ownerID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ownerID] = limiter
	}
	return limiter
}

// Allow spends one token for ownerID if one is available
func (l *Limiter) Allow(ownerID string) bool {
	return l.forOwner(ownerID).Allow()
}

// Remaining returns the whole tokens ownerID has left
func (l *Limiter) Remaining(ownerID string) int {
	tokens := l.forOwner(ownerID).Tokens()
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// PerHour is the configured sustained rate
func (l *Limiter) PerHour() int { return l.perHour }
