package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/powersol/settlement/api/server"
)

func TestSettlement_RateLimiter_Allow(t *testing.T) {
	// 5 requests per second with a burst of 5.
	limiter := server.NewRateLimiter(rate.Limit(5), 5)

	ip := "192.168.1.1"

	// The burst is available up front.
	for i := 0; i < 5; i++ {
		allowed, _ := limiter.AllowWithRetry(ip)
		assert.True(t, allowed, "request %d should be allowed", i+1)
	}

	// The sixth request is denied with a retry hint.
	allowed, retryAfter := limiter.AllowWithRetry(ip)
	assert.False(t, allowed, "request 6 should be denied")
	assert.Greater(t, retryAfter, time.Duration(0))

	// A different IP has its own bucket.
	allowed, _ = limiter.AllowWithRetry("192.168.1.2")
	assert.True(t, allowed, "different IP should be allowed")
}

func TestSettlement_RateLimiter_Refill(t *testing.T) {
	// 10 requests per second with a burst of 2.
	limiter := server.NewRateLimiter(rate.Limit(10), 2)

	ip := "192.168.1.1"

	allowed, _ := limiter.AllowWithRetry(ip)
	assert.True(t, allowed)
	allowed, _ = limiter.AllowWithRetry(ip)
	assert.True(t, allowed)
	allowed, _ = limiter.AllowWithRetry(ip)
	assert.False(t, allowed)

	// One token refills after 100ms at 10/sec.
	time.Sleep(150 * time.Millisecond)

	allowed, _ = limiter.AllowWithRetry(ip)
	assert.True(t, allowed, "should be allowed after refill")
}

func TestSettlement_RateLimitMiddleware_Response(t *testing.T) {
	limiter := server.NewRateLimiter(rate.Limit(1), 1)
	handler := server.RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:54321"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body server.RateLimitError
	assert.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.GreaterOrEqual(t, body.RetryAfter, 1)
}
