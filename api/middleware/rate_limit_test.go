package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	pkgredis "github.com/angelmondragon/splitledger-backend/pkg/redis"
)

type fakeRateLimiter struct {
	counts  map[string]int64
	resetIn time.Duration
	err     error
}

func (f *fakeRateLimiter) FixedWindowAllow(_ context.Context, scope string, limit int64, window time.Duration) (pkgredis.WindowResult, error) {
	if f.err != nil {
		return pkgredis.WindowResult{}, f.err
	}
	if f.counts == nil {
		f.counts = map[string]int64{}
	}
	f.counts[scope]++
	resetIn := f.resetIn
	if resetIn == 0 {
		resetIn = window
	}
	count := f.counts[scope]
	return pkgredis.WindowResult{Allowed: count <= limit, Count: count, Limit: limit, ResetIn: resetIn}, nil
}

var (
	u1 = uuid.MustParse("00000000-0000-4000-8000-000000000001")
	u2 = uuid.MustParse("00000000-0000-4000-8000-000000000002")
)

func userRequest(userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ledgers/l1/expenses/preview", nil)
	return req.WithContext(WithCaller(req.Context(), userID))
}

func TestRateLimitBlocksAfterLimit(t *testing.T) {
	store := &fakeRateLimiter{}
	policy := NewRateLimitPolicy("Preview", time.Minute, 2)
	handler := RateLimit(policy, store, testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, userRequest(u1))
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 got %d", i, resp.Code)
		}
	}

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(u1))
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") != "60" {
		t.Fatalf("unexpected Retry-After %q", resp.Header().Get("Retry-After"))
	}
	if resp.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining %q", resp.Header().Get("X-RateLimit-Remaining"))
	}

	other := httptest.NewRecorder()
	handler.ServeHTTP(other, userRequest(u2))
	if other.Code != http.StatusOK {
		t.Fatalf("limits are per user, got %d", other.Code)
	}
	if other.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("unexpected remaining %q", other.Header().Get("X-RateLimit-Remaining"))
	}
	if _, ok := store.counts["preview:user:"+u1.String()]; !ok {
		t.Fatalf("expected user scoped key, got %v", store.counts)
	}
}

func TestRateLimitRetryAfterFollowsWindowReset(t *testing.T) {
	store := &fakeRateLimiter{resetIn: 1500 * time.Millisecond}
	handler := RateLimit(NewRateLimitPolicy("preview", time.Minute, 1), store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), userRequest(u1))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(u1))
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After rounded up to 2, got %q", resp.Header().Get("Retry-After"))
	}
}

func TestRateLimitFallsBackToClientIP(t *testing.T) {
	store := &fakeRateLimiter{}
	handler := RateLimit(NewRateLimitPolicy("preview", time.Minute, 5), store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if _, ok := store.counts["preview:ip:203.0.113.9"]; !ok {
		t.Fatalf("expected ip scoped key, got %v", store.counts)
	}
}

func TestRateLimitDisabledPolicyPassesThrough(t *testing.T) {
	store := &fakeRateLimiter{err: errors.New("should not be called")}
	handler := RateLimit(NewRateLimitPolicy("preview", 0, 10), store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(u1))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
}

func TestRateLimitStoreFailure(t *testing.T) {
	store := &fakeRateLimiter{err: errors.New("redis down")}
	handler := RateLimit(NewRateLimitPolicy("preview", time.Minute, 10), store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, userRequest(u1))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", resp.Code)
	}
}
