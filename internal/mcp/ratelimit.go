package mcp

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter limits tool calls per tool name
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit // calls per second
	burst    int
}

// NewRateLimiter creates a limiter allowing callsPerSecond per tool with
// the given burst. A burst below 1 is raised to 1.
func NewRateLimiter(callsPerSecond float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(callsPerSecond),
		burst:    burst,
	}
}

func (r *RateLimiter) getLimiter(tool string) *rate.Limiter {
	r.mu.RLock()
	limiter, exists := r.limiters[tool]
	r.mu.RUnlock()

	if exists {
		return limiter
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, exists = r.limiters[tool]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(r.rate, r.burst)
	r.limiters[tool] = limiter
	return limiter
}

// Allow reports whether a call to tool may run now
func (r *RateLimiter) Allow(tool string) bool {
	return r.getLimiter(tool).Allow()
}
