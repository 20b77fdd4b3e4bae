package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		wantOrigin string
		wantCode   int
	}{
		{"disabled", nil, http.MethodGet, "https://crm.example.com", "", http.StatusOK},
		{"no origin header", []string{"https://crm.example.com"}, http.MethodGet, "", "", http.StatusOK},
		{"allowed", []string{"https://crm.example.com"}, http.MethodGet, "https://crm.example.com", "https://crm.example.com", http.StatusOK},
		{"disallowed", []string{"https://crm.example.com"}, http.MethodGet, "https://evil.example.com", "", http.StatusOK},
		{"wildcard", []string{"*"}, http.MethodGet, "https://any.example.com", "https://any.example.com", http.StatusOK},
		{"second of many", []string{"https://a.example.com", "https://b.example.com"}, http.MethodGet, "https://b.example.com", "https://b.example.com", http.StatusOK},
		{"preflight", []string{"https://crm.example.com"}, http.MethodOptions, "https://crm.example.com", "https://crm.example.com", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: Config{CORSAllowedOrigins: tt.allowed}}
			req := httptest.NewRequest(tt.method, "/recordings/org1/u1/a.mp3", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			s.CORSMiddleware(okHandler).ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantOrigin != "" && w.Header().Get("Access-Control-Allow-Methods") != "GET, HEAD, OPTIONS" {
				t.Fatalf("unexpected Allow-Methods %q", w.Header().Get("Access-Control-Allow-Methods"))
			}
		})
	}
}
