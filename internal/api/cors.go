package api

import (
	"net/http"
	"slices"
)

// CORSMiddleware lets configured web origins fetch recordings.
// If no allowed origins are configured, it passes through without setting headers.
func (s *Server) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || len(s.config.CORSAllowedOrigins) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if !slices.Contains(s.config.CORSAllowedOrigins, origin) && !slices.Contains(s.config.CORSAllowedOrigins, "*") {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Range")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
