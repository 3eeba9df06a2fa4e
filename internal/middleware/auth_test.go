package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestBearerAuth(t *testing.T) {
	h := BearerAuth("secret")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/ai/chat/messages", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing header status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ai/chat/messages", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ai/chat/messages", nil)
	req.Header.Set("Authorization", "secret") // missing Bearer prefix
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing prefix status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ai/chat/messages", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}
}

func TestBearerAuth_EmptyTokenDisablesCheck(t *testing.T) {
	h := BearerAuth("")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 in development mode", rec.Code)
	}
}

func TestInternalAuth_FailsClosedWithoutConfiguredToken(t *testing.T) {
	h := InternalAuth("")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/internal/ai/render-jobs", nil)
	req.Header.Set("X-Internal-Token", "anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 when no token configured", rec.Code)
	}
}

func TestInternalAuth_ValidToken(t *testing.T) {
	h := InternalAuth("internal")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/internal/ai/render-jobs", nil)
	req.Header.Set("X-Internal-Token", "internal")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
