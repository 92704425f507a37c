package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(perMinute int) (*rateLimiter, *testClock) {
	clock := newTestClock()
	rl := newRateLimiter(perMinute, false)
	rl.now = clock.Now
	return rl, clock
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, _ := newTestLimiter(5)

	for i := 0; i < 5; i++ {
		assert.True(t, rl.allow("192.168.1.1"), "request %d", i+1)
	}
	assert.False(t, rl.allow("192.168.1.1"), "6th request should be denied")
	assert.True(t, rl.allow("192.168.1.2"), "other IPs have their own bucket")
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, clock := newTestLimiter(2)

	assert.True(t, rl.allow("192.168.1.1"))
	assert.True(t, rl.allow("192.168.1.1"))
	assert.False(t, rl.allow("192.168.1.1"))

	clock.Advance(30 * time.Second)
	assert.True(t, rl.allow("192.168.1.1"), "one token back after half a minute")
	assert.False(t, rl.allow("192.168.1.1"))
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(3)
	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiter_IgnoresForwardedForByDefault(t *testing.T) {
	rl, _ := newTestLimiter(2)
	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{200, 200, 429, 429}, codes, "rotating the header must not reset the bucket")

	rl.trustProxy = true
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.77")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "behind a trusted proxy each forwarded client has its own bucket")
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl, clock := newTestLimiter(3)
	rl.allow("10.0.0.1")
	clock.Advance(2 * time.Minute)
	rl.allow("10.0.0.2")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, rl.sweep())
	assert.Len(t, rl.visitors, 1)
}
