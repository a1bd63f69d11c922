package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLimiter) Close() error                                { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	l := NewMemoryLimiter(0.001, 1)
	defer func() { _ = l.Close() }()
	h := Middleware(l, IPKeyFunc("status:"), slog.Default())(okHandler())

	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:5000").Code)
	rec := hit(h, "10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"too many requests"}`, rec.Body.String())
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.2:5000").Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(brokenLimiter{}, IPKeyFunc("status:"), slog.Default())(okHandler())
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:5000").Code)
}

func TestIPKeyFuncWithoutPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "unix"
	assert.Equal(t, "status:unix", IPKeyFunc("status:")(req))
}
