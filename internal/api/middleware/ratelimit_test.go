package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/streamgate/internal/api/middleware"
	"github.com/stretchr/testify/assert"
)

func newTestRouter(steady, burst *middleware.TokenBucketRateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RateLimit(steady, burst))
	r.GET("/dl/1", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	r.GET("/status", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r
}

func TestRateLimit_AllowsWithinBudget(t *testing.T) {
	steady := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 10, Burst: 10, MaxEntries: 100})
	burst := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 100, Burst: 100, MaxEntries: 100})
	r := newTestRouter(steady, burst)

	req := httptest.NewRequest(http.MethodGet, "/dl/1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_RejectsOverSteadyBudget(t *testing.T) {
	steady := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 1, Burst: 1, MaxEntries: 100})
	burst := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 100, Burst: 100, MaxEntries: 100})
	r := newTestRouter(steady, burst)

	req := httptest.NewRequest(http.MethodGet, "/dl/1", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.5")
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.Equal(t, "60", w2.Header().Get("Retry-After"))
}

func TestRateLimit_StatusPathBypassesLimiting(t *testing.T) {
	steady := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 1, Burst: 1, MaxEntries: 100})
	burst := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 1, Burst: 1, MaxEntries: 100})
	r := newTestRouter(steady, burst)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimit_DifferentKeysTrackedIndependently(t *testing.T) {
	steady := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 1, Burst: 1, MaxEntries: 100})
	burst := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 100, Burst: 100, MaxEntries: 100})
	r := newTestRouter(steady, burst)

	req1 := httptest.NewRequest(http.MethodGet, "/dl/1", nil)
	req1.Header.Set("X-Forwarded-For", "10.0.0.1")
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req1)
	assert.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/dl/1", nil)
	req2.Header.Set("X-Forwarded-For", "10.0.0.2")
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestTokenBucketRateLimiter_RefillsOverTime(t *testing.T) {
	l := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 100, Burst: 1, MaxEntries: 10})
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow("k"))
}

func TestTokenBucketRateLimiter_DisabledWhenRateZero(t *testing.T) {
	l := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{Rate: 0, Burst: 0})
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("k"))
	}
}
