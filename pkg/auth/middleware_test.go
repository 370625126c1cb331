package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKeyAuth(t *testing.T) {
	ks := NewKeyStore("assistant:sk-abc")

	tests := []struct {
		name       string
		path       string
		header     [2]string
		wantStatus int
		wantCaller string
	}{
		{"x-api-key", "/v1/actions", [2]string{"X-API-Key", "sk-abc"}, http.StatusOK, "assistant"},
		{"bearer", "/v1/actions", [2]string{"Authorization", "Bearer sk-abc"}, http.StatusOK, "assistant"},
		{"bearer lowercase scheme", "/v1/actions", [2]string{"Authorization", "bearer sk-abc"}, http.StatusOK, "assistant"},
		{"basic scheme ignored", "/v1/actions", [2]string{"Authorization", "Basic sk-abc"}, http.StatusUnauthorized, ""},
		{"wrong key", "/v1/actions", [2]string{"X-API-Key", "bad-key"}, http.StatusUnauthorized, ""},
		{"missing key", "/v1/actions", [2]string{}, http.StatusUnauthorized, ""},
		{"healthz", "/healthz", [2]string{}, http.StatusOK, ""},
		{"readyz", "/readyz", [2]string{}, http.StatusOK, ""},
		{"metrics", "/metrics", [2]string{}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCaller string
			h := APIKeyAuth(ks)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotCaller = CallerFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if gotCaller != tt.wantCaller {
				t.Errorf("caller = %q, want %q", gotCaller, tt.wantCaller)
			}
			if rr.Code == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 without WWW-Authenticate challenge")
			}
		})
	}
}

func TestAPIKeyAuth_ExtraPublicPath(t *testing.T) {
	h := APIKeyAuth(NewKeyStore(""), PublicPaths("/v1/services"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/services", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
}

func TestWithCaller(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := CallerFromContext(req.Context()); got != "" {
		t.Errorf("unauthenticated caller = %q", got)
	}
	if got := CallerFromContext(WithCaller(req.Context(), "batch")); got != "batch" {
		t.Errorf("caller = %q, want batch", got)
	}
}
