// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"request_id": GetRequestID(c)})
	})
	r.POST("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func request(r http.Handler, method, remote string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/ping", nil)
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestRateLimit_RejectsOverBurst(t *testing.T) {
	t.Parallel()

	limited := 0
	r := newRouter(RateLimit(NewIPRateLimiter(0.001, 2), func(*gin.Context) { limited++ }))

	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "10.0.0.1:1234", nil).Code)
	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "10.0.0.1:1234", nil).Code)

	w := request(r, http.MethodGet, "10.0.0.1:1234", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":"too many requests"}`, w.Body.String())
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, 1, limited)
}

func TestRateLimit_BucketsArePerIP(t *testing.T) {
	t.Parallel()

	r := newRouter(RateLimit(NewIPRateLimiter(0.001, 1), nil))

	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "10.0.0.1:1", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, request(r, http.MethodGet, "10.0.0.1:1", nil).Code)
	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "10.0.0.2:1", nil).Code)
}

func TestIPRateLimiter_SweepsIdleVisitors(t *testing.T) {
	t.Parallel()

	l := NewIPRateLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	require.Equal(t, 2, l.Visitors())

	now = now.Add(2 * idleVisitorTTL)
	l.Allow("c")
	assert.Equal(t, 1, l.Visitors())
}

func TestIPRateLimiter_Refills(t *testing.T) {
	t.Parallel()

	l := NewIPRateLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	now = now.Add(1100 * time.Millisecond)
	assert.True(t, l.Allow("a"))
}

// =============================================================================
// CORS
// =============================================================================

func TestCORS_SetsHeaders(t *testing.T) {
	t.Parallel()

	w := request(newRouter(CORS()), http.MethodGet, "10.0.0.1:1", map[string]string{"Origin": "https://example.com"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Session-ID")
}

func TestCORS_Preflight(t *testing.T) {
	t.Parallel()

	w := request(newRouter(CORS()), http.MethodOptions, "10.0.0.1:1", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

// =============================================================================
// Request IDs
// =============================================================================

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	t.Parallel()
	r := newRouter(RequestID())

	w := request(r, http.MethodGet, "10.0.0.1:1", nil)
	generated := w.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
	assert.Contains(t, w.Body.String(), generated)

	w = request(r, http.MethodGet, "10.0.0.1:1", map[string]string{RequestIDHeader: "req-123"})
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}
