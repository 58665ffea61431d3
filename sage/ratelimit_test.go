package sage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAdmitsUpToLimit(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 5, nil)
	now := time.Now()

	for i := 0; i < 5; i++ {
		decision := limiter.Admit("user1", now)
		assert.Truef(t, decision.Admitted, "message %d should be admitted", i+1)
		limiter.Consume("user1", now)
	}

	decision := limiter.Admit("user1", now)
	assert.False(t, decision.Admitted)
	assert.Equal(t, time.Minute, decision.RetryAfter)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 5, nil)
	start := time.Now()

	for i := 0; i < 5; i++ {
		limiter.Consume("user1", start.Add(time.Duration(i)*time.Second))
	}
	assert.False(t, limiter.Admit("user1", start.Add(10*time.Second)).Admitted)

	// 61s after the first message its slot has expired
	later := start.Add(61 * time.Second)
	decision := limiter.Admit("user1", later)
	assert.True(t, decision.Admitted)
}

func TestRateLimiterRetryAfter(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 2, nil)
	start := time.Now()

	limiter.Consume("user1", start)
	limiter.Consume("user1", start.Add(10*time.Second))

	decision := limiter.Admit("user1", start.Add(30*time.Second))
	assert.False(t, decision.Admitted)
	// the oldest slot frees up 60s after it was consumed, 30s from now
	assert.Equal(t, 30*time.Second, decision.RetryAfter)
}

func TestRateLimiterAdmitDoesNotConsume(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 2, nil)
	now := time.Now()

	// repeated Admit calls without Consume never exhaust the window
	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Admit("user1", now).Admitted)
	}
	limiter.Consume("user1", now)
	limiter.Consume("user1", now)
	assert.False(t, limiter.Admit("user1", now).Admitted)
}

func TestRateLimiterPerUser(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 1, nil)
	now := time.Now()

	limiter.Consume("user1", now)
	assert.False(t, limiter.Admit("user1", now).Admitted)
	assert.True(t, limiter.Admit("user2", now).Admitted)
}

func TestRateLimiterWarningThrottle(t *testing.T) {
	limiter := NewRateLimiter(time.Minute, 1, nil)

	// only the first warning in a window is allowed
	assert.True(t, limiter.AllowWarning("user1"))
	assert.False(t, limiter.AllowWarning("user1"))

	// warning throttles are tracked per user
	assert.True(t, limiter.AllowWarning("user2"))
}
