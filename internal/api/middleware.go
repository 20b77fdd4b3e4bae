package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/marcus/callsync/internal/serverdb"
)

type contextKey int

const (
	ctxKeyDevice contextKey = iota
	ctxKeyRequestID
	ctxKeyLogger
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temp files.
const multipartMemory = 4 << 20

// Device identifies the employee and device behind a sync request.
type Device struct {
	OrgID    string
	UserID   string
	DeviceID string
	Employee *serverdb.Employee
}

// getDevice returns the verified device from the request context, or nil.
func getDevice(ctx context.Context) *Device {
	d, _ := ctx.Value(ctxKeyDevice).(*Device)
	return d
}

// getRequestID returns the request ID from the context.
func getRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// logFor returns the context-scoped logger, falling back to the default logger.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// loggerMiddleware creates a per-request logger with the request ID and stores it in the context.
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := slog.Default().With("rid", getRequestID(r.Context()))
		ctx := context.WithValue(r.Context(), ctxKeyLogger, l)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// metricsMiddleware records request counts and categorizes response status codes.
func metricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.RecordRequest()
			sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(sc, r)
			switch {
			case sc.code >= 500:
				m.RecordError()
			case sc.code >= 400:
				m.RecordClientError()
			}
		})
	}
}

// recoveryMiddleware catches panics and returns a 500 response.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logFor(r.Context()).Error("panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// generateRequestID creates a random hex string for request tracing.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// requestIDMiddleware generates a unique request ID and adds it to the context and response headers.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := generateRequestID()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusCapture wraps ResponseWriter to capture the status code.
type statusCapture struct {
	http.ResponseWriter
	code int
}

func (sc *statusCapture) WriteHeader(code int) {
	sc.code = code
	sc.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs each request with method, path, status, and duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := &statusCapture{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sc, r)
		logFor(r.Context()).Info("req",
			"method", r.Method,
			"path", r.URL.Path,
			"action", r.Form.Get("action"),
			"status", sc.code,
			"dur", time.Since(start).String(),
		)
	})
}

// maxBytesMiddleware limits request body size to prevent abuse.
func maxBytesMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// chain applies middleware in order (first applied is outermost).
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// parseForm parses a form-encoded or multipart body so FormValue works for
// both. Oversized bodies answer 413.
func parseForm(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mt == "multipart/form-data" {
			err = r.ParseMultipartForm(multipartMemory)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request too large")
				return
			}
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid form body")
			return
		}
		if r.MultipartForm != nil {
			defer r.MultipartForm.RemoveAll()
		}
		handler(w, r)
	}
}

// requireDevice checks org_id, user_id and device_id against the pairing
// table and injects the Device into the context.
func (s *Server) requireDevice(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := &Device{
			OrgID:    r.FormValue("org_id"),
			UserID:   r.FormValue("user_id"),
			DeviceID: r.FormValue("device_id"),
		}
		if d.OrgID == "" || d.UserID == "" || d.DeviceID == "" {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "org_id, user_id and device_id are required")
			return
		}
		e, err := s.store.VerifyDevice(d.OrgID, d.UserID, d.DeviceID)
		if errors.Is(err, serverdb.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "unknown employee")
			return
		}
		if err != nil {
			writeStoreError(w, r, err, "")
			return
		}
		d.Employee = e

		ctx := context.WithValue(r.Context(), ctxKeyDevice, d)
		ctx = context.WithValue(ctx, ctxKeyLogger, logFor(ctx).With("org", d.OrgID, "uid", d.UserID))
		handler(w, r.WithContext(ctx))
	}
}
