package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeVerifier map[string]*Claims

func (f fakeVerifier) VerifyToken(ctx context.Context, raw string) (*Claims, error) {
	if c, ok := f[raw]; ok {
		return c, nil
	}
	return nil, errors.New("unknown token")
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	verifier := fakeVerifier{
		"reader":  {Subject: "r"},
		"writer":  {Subject: "w", Roles: []string{"flowtrack-writer"}},
		"expired": {Subject: "x", Expiry: time.Now().Add(-time.Minute)},
	}
	m := NewMiddleware(verifier, &MiddlewareConfig{Enabled: true, WriteRole: "flowtrack-writer"})
	h := m.Handler(okHandler(t))

	tests := []struct {
		name   string
		method string
		path   string
		auth   string
		want   int
	}{
		{"public health", http.MethodGet, "/healthz", "", http.StatusOK},
		{"missing header", http.MethodGet, "/api/v1/runs", "", http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "/api/v1/runs", "Basic abc", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/api/v1/runs", "Bearer nope", http.StatusUnauthorized},
		{"expired token", http.MethodGet, "/api/v1/runs", "Bearer expired", http.StatusUnauthorized},
		{"reader can read", http.MethodGet, "/api/v1/runs", "Bearer reader", http.StatusOK},
		{"reader cannot write", http.MethodPost, "/api/v1/runs", "Bearer reader", http.StatusForbidden},
		{"writer can write", http.MethodPost, "/api/v1/runs", "bearer writer", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	h := NewMiddleware(nil, &MiddlewareConfig{Enabled: false}).Handler(okHandler(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_StoresClaims(t *testing.T) {
	var got *Claims
	h := NewMiddleware(fakeVerifier{"t": {Subject: "alice"}}, &MiddlewareConfig{Enabled: true}).
		Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = GetClaims(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows", nil)
	req.Header.Set("Authorization", "Bearer t")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if assert.NotNil(t, got) {
		assert.Equal(t, "alice", got.Subject)
	}
}

func TestPerIPRateLimiter(t *testing.T) {
	rl := NewPerIPRateLimiter(0.001, 2)
	defer rl.Stop()
	h := rl.Handler(okHandler(t))

	do := func(ip, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1", "/api/v1/runs"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1", "/api/v1/runs"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1", "/api/v1/runs"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2", "/api/v1/runs"), "limits are per client")
	assert.Equal(t, http.StatusOK, do("10.0.0.1", "/healthz"), "health checks are exempt")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}
