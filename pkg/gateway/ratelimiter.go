package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// Rate limiter rejection reasons.
const (
	reasonRateLimited   = "rate limit exceeded"
	reasonTooConcurrent = "too many concurrent requests"
)

// Default per-client limits.
const (
	DefaultRequestsPerSecond = 20
	DefaultBurst             = 40
	DefaultMaxConcurrent     = 8
)

// ClientRateLimiter is a per-client token bucket plus a cap on requests in
// flight.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	limiter            *rate.Limiter
	maxConcurrent      int
	concurrentRequests int
}

// NewClientRateLimiter creates a new rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerSecond, DefaultBurst, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// Non-positive values fall back to the defaults.
func NewClientRateLimiterWithLimits(requestsPerSecond float64, burst, maxConcurrent int) *ClientRateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire admits one request, consuming a token and a concurrency slot. On
// success the caller must call Release when the request ends.
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests >= r.maxConcurrent {
		return false, reasonTooConcurrent
	}
	if !r.limiter.Allow() {
		return false, reasonRateLimited
	}
	r.concurrentRequests++
	return true, ""
}

// Release frees the concurrency slot of a finished request.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerSecond float64, burst, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter.SetLimit(rate.Limit(requestsPerSecond))
	r.limiter.SetBurst(burst)
	r.maxConcurrent = maxConcurrent
}

// InFlight returns the number of admitted requests not yet released.
func (r *ClientRateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.concurrentRequests
}
