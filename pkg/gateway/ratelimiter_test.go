package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_Acquire(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewClientRateLimiter(10, 5)

		for i := 0; i < 5; i++ {
			assert.Nil(t, limiter.Acquire())
		}
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiter(100, 3)

		for i := 0; i < 3; i++ {
			require.Nil(t, limiter.Acquire())
		}

		rpcErr := limiter.Acquire()
		require.NotNil(t, rpcErr)
		assert.Equal(t, TooManyConcurrent, rpcErr.Code)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewClientRateLimiter(5, 10)

		for i := 0; i < 5; i++ {
			require.Nil(t, limiter.Acquire())
			limiter.Release()
		}

		rpcErr := limiter.Acquire()
		require.NotNil(t, rpcErr)
		assert.Equal(t, RateLimitExceeded, rpcErr.Code)
	})

	t.Run("should allow requests after window expires", func(t *testing.T) {
		limiter := NewClientRateLimiter(2, 10)
		now := time.Now()
		limiter.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			require.Nil(t, limiter.Acquire())
			limiter.Release()
		}
		require.NotNil(t, limiter.Acquire())

		now = now.Add(time.Minute + time.Second)
		assert.Nil(t, limiter.Acquire())
	})

	t.Run("should apply defaults for non-positive limits", func(t *testing.T) {
		limiter := NewClientRateLimiter(0, -1)
		assert.Equal(t, DefaultRequestsPerMinute, limiter.requestsPerMinute)
		assert.Equal(t, DefaultMaxConcurrent, limiter.maxConcurrent)
	})
}

func TestClientRateLimiter_Release(t *testing.T) {
	t.Run("should track concurrent requests", func(t *testing.T) {
		limiter := NewClientRateLimiter(100, 10)

		require.Nil(t, limiter.Acquire())
		require.Nil(t, limiter.Acquire())

		_, concurrent := limiter.GetStats()
		assert.Equal(t, 2, concurrent)

		limiter.Release()
		_, concurrent = limiter.GetStats()
		assert.Equal(t, 1, concurrent)
	})

	t.Run("should not go negative on concurrent count", func(t *testing.T) {
		limiter := NewClientRateLimiter(100, 10)

		limiter.Release()
		limiter.Release()

		_, concurrent := limiter.GetStats()
		assert.Equal(t, 0, concurrent)
	})
}

func TestClientRateLimiter_UpdateLimits(t *testing.T) {
	limiter := NewClientRateLimiter(10, 5)

	for i := 0; i < 3; i++ {
		require.Nil(t, limiter.Acquire())
	}

	limiter.UpdateLimits(20, 10)

	for i := 0; i < 7; i++ {
		assert.Nil(t, limiter.Acquire())
	}

	rpcErr := limiter.Acquire()
	require.NotNil(t, rpcErr)
	assert.Equal(t, TooManyConcurrent, rpcErr.Code)
}

func TestClientRateLimiter_GetStats(t *testing.T) {
	limiter := NewClientRateLimiter(100, 10)

	for i := 0; i < 3; i++ {
		require.Nil(t, limiter.Acquire())
	}

	requests, concurrent := limiter.GetStats()
	assert.Equal(t, 3, requests)
	assert.Equal(t, 3, concurrent)

	limiter.Release()

	requests, concurrent = limiter.GetStats()
	assert.Equal(t, 3, requests)
	assert.Equal(t, 2, concurrent)
}
