package webserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Now()

	require.True(t, rl.Allow("did:a", now))
	require.True(t, rl.Allow("did:a", now.Add(time.Second)))
	require.False(t, rl.Allow("did:a", now.Add(2*time.Second)))

	// other keys are unaffected
	require.True(t, rl.Allow("did:b", now.Add(2*time.Second)))

	// the old stamps age out and free the window
	require.True(t, rl.Allow("did:a", now.Add(61*time.Second)))
}

func TestRateLimiterDropsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Now()
	require.True(t, rl.Allow("did:a", now))

	// a request two windows later sweeps the idle key away
	require.True(t, rl.Allow("did:b", now.Add(2*time.Minute)))

	rl.mu.Lock()
	_, ok := rl.buckets["did:a"]
	rl.mu.Unlock()
	require.False(t, ok)
}

func TestRateLimitMiddlewareRejectsBursts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(NewRateLimiter(1, time.Minute)))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "RATE_LIMITED", body["code"])
}
