package httpadapter

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type loggerContextKey struct{}

// loggerFrom returns the request-scoped logger, or the default one outside a
// request.
func loggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// requestLogMiddleware assigns a request id, exposes a logger carrying it to
// the handlers and writes one access line per request.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		logger := slog.Default().With("component", "admin", "request_id", requestID)
		r = r.WithContext(context.WithValue(r.Context(), loggerContextKey{}, logger))

		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", float64(time.Since(start).Microseconds()) / 1000.0,
			"bytes", rec.bytes,
		}
		q := r.URL.Query()
		if state := q.Get("state"); state != "" {
			attrs = append(attrs, "state_filter", state)
		}
		if path := q.Get("path"); path != "" {
			attrs = append(attrs, "record_path", path)
		}
		logger.Log(r.Context(), accessLevel(r.URL.Path, rec.status), "http_request", attrs...)
	})
}

// accessLevel keeps health checks and scrapes out of the info log. A lookup
// miss is an ordinary answer, not a client error.
func accessLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status == http.StatusNotFound && path == "/v1/records/lookup":
		return slog.LevelInfo
	case status >= 400:
		return slog.LevelWarn
	case path == "/healthz" || path == "/metrics":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *responseRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
