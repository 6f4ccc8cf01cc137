package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	// 120 req/min with burst of 1: one immediate request, then a ~500ms
	// refill before the next.
	rl := NewRateLimiter(120, 1)
	limiter := rl.GetLimiter("192.168.1.1")

	assert.True(t, limiter.Allow(), "first request should be allowed")
	assert.False(t, limiter.Allow(), "second request should be blocked")

	time.Sleep(600 * time.Millisecond)
	assert.True(t, limiter.Allow(), "request after refill should be allowed")
}

func TestRateLimiter_DifferentIPs(t *testing.T) {
	rl := NewRateLimiter(2, 1)

	limiter1 := rl.GetLimiter("192.168.1.1")
	limiter2 := rl.GetLimiter("192.168.1.2")

	assert.True(t, limiter1.Allow())
	assert.True(t, limiter2.Allow(), "separate IPs get separate buckets")
	assert.False(t, limiter1.Allow())
	assert.False(t, limiter2.Allow())
}

func TestRateLimitMiddleware(t *testing.T) {
	e := echo.New()
	rl := NewRateLimiter(2, 1)

	handler := rl.RateLimitMiddleware()(func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	req1 := httptest.NewRequest(http.MethodPost, "/webhooks/gmail", nil)
	req1.RemoteAddr = "192.168.1.1:12345"
	rec1 := httptest.NewRecorder()
	assert.NoError(t, handler(e.NewContext(req1, rec1)))
	assert.Equal(t, http.StatusOK, rec1.Code)

	// Same IP again, burst exhausted.
	req2 := httptest.NewRequest(http.MethodPost, "/webhooks/gmail", nil)
	req2.RemoteAddr = "192.168.1.1:12346"
	rec2 := httptest.NewRecorder()
	assert.NoError(t, handler(e.NewContext(req2, rec2)))
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "rate_limit_exceeded")

	// Different IP still passes.
	req3 := httptest.NewRequest(http.MethodPost, "/webhooks/gmail", nil)
	req3.RemoteAddr = "192.168.1.2:12345"
	rec3 := httptest.NewRecorder()
	assert.NoError(t, handler(e.NewContext(req3, rec3)))
	assert.Equal(t, http.StatusOK, rec3.Code)
}

func TestRateLimiter_BurstBehavior(t *testing.T) {
	rl := NewRateLimiter(60, 10)
	limiter := rl.GetLimiter("192.168.1.1")

	allowed := 0
	for i := 0; i < 15; i++ {
		if limiter.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed, "should allow exactly the burst size")
}
