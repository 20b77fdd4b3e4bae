package api

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/callsync/internal/serverdb"
)

// Server is the HTTP API server for callsync-server.
type Server struct {
	config      Config
	http        *http.Server
	store       *serverdb.ServerDB
	chunks      *serverdb.ChunkStore
	metrics     *Metrics
	rateLimiter *RateLimiter
	cancel      context.CancelFunc
}

// NewServer creates a new Server with the given config and store.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	chunks, err := serverdb.NewChunkStore(store, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("chunk store: %w", err)
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = 2 << 20
	}
	s := &Server{
		config:      cfg,
		store:       store,
		chunks:      chunks,
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	// Periodic housekeeping: rate limit buckets and abandoned chunk uploads
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("cleanup panic", "panic", r)
			}
		}()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.rateLimiter.cleanup()
				n, err := s.chunks.PruneStaging(s.config.StagingMaxAge)
				if err != nil {
					slog.Error("prune staged chunks", "err", err)
				} else if n > 0 {
					slog.Info("pruned abandoned uploads", "count", n)
				}
			}
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Sync; /sync_app.php is the path older agents post to
	syncHandler := parseForm(s.handleSync)
	mux.HandleFunc("POST /v1/sync", syncHandler)
	mux.HandleFunc("POST /sync_app.php", syncHandler)

	// Finalized recordings
	recordings := s.CORSMiddleware(http.HandlerFunc(s.handleRecording))
	mux.Handle("GET "+serverdb.URLPrefix+"{path...}", recordings)
	mux.Handle("OPTIONS "+serverdb.URLPrefix+"{path...}", recordings)

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(s.config.maxBodyBytes()))
}

// handleHealth returns a health check response, pinging the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleRecording serves a finalized recording file.
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	f, err := s.chunks.Open(r.PathValue("path"))
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "recording not found")
		return
	}
	if err != nil {
		logFor(r.Context()).Error("open recording", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "recording not found")
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
