package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/azirkitai/quetama-live-sub000/internal/store/memory"
)

func TestSessionAuthRejectsMissingToken(t *testing.T) {
	st := memory.NewStore()
	handler := SessionAuth(st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestSessionAuthResolvesBearerSession(t *testing.T) {
	st := memory.NewStore()
	session, err := st.CreateSession(context.Background(), "user-1", "tenant-a", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	var sawTenant string
	handler := SessionAuth(st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved, ok := sessionFromContext(r.Context())
		if !ok {
			t.Fatal("expected session on context")
		}
		sawTenant = resolved.TenantID
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	req.Header.Set("Authorization", "Bearer "+session.SessionID)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if sawTenant != "tenant-a" {
		t.Fatalf("expected tenant-a, got %q", sawTenant)
	}
}

func TestSessionAuthRejectsExpiredSession(t *testing.T) {
	st := memory.NewStore()
	session, err := st.CreateSession(context.Background(), "user-1", "tenant-a", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	handler := SessionAuth(st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	req.Header.Set("Authorization", "Bearer "+session.SessionID)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestSessionAuthPublicPaths(t *testing.T) {
	st := memory.NewStore()
	for _, path := range []string{"/healthz", "/api/auth/login", "/api/pairing/sessions", "/api/pairing/qr-1/verify"} {
		ran := false
		handler := SessionAuth(st, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ran = true
		}))
		req := httptest.NewRequest(http.MethodPost, path, nil)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if !ran {
			t.Fatalf("expected %s to pass without a session", path)
		}
	}
}

func TestRateLimiterIPBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 60, IPBurst: 2})
	handler := limiter.LimitIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		codes = append(codes, resp.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status codes: %v", codes)
	}

	// A different address has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/patients", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected fresh address to pass, got %d", resp.Code)
	}
}
