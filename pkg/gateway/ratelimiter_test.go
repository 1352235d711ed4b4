package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_Burst(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(0.001, 3, 100)

	for i := 0; i < 3; i++ {
		allowed, reason := limiter.Acquire()
		assert.True(t, allowed, "request %d", i)
		assert.Empty(t, reason)
		limiter.Release()
	}

	allowed, reason := limiter.Acquire()
	assert.False(t, allowed)
	assert.Equal(t, reasonRateLimited, reason)
}

func TestClientRateLimiter_Concurrency(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(1000, 1000, 2)

	ok1, _ := limiter.Acquire()
	ok2, _ := limiter.Acquire()
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, 2, limiter.InFlight())

	allowed, reason := limiter.Acquire()
	assert.False(t, allowed)
	assert.Equal(t, reasonTooConcurrent, reason)

	limiter.Release()
	allowed, _ = limiter.Acquire()
	assert.True(t, allowed)
}

func TestClientRateLimiter_ReleaseNeverNegative(t *testing.T) {
	limiter := NewClientRateLimiter()
	limiter.Release()
	assert.Zero(t, limiter.InFlight())
}

func TestClientRateLimiter_UpdateLimits(t *testing.T) {
	limiter := NewClientRateLimiterWithLimits(1000, 1000, 1)
	ok, _ := limiter.Acquire()
	assert.True(t, ok)

	limiter.UpdateLimits(1000, 1000, 2)
	ok, _ = limiter.Acquire()
	assert.True(t, ok)
}
