package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const loggerKey contextKey = "logger"

// requestLogger returns the request-scoped logger, falling back to base.
func requestLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return base
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestContext assigns every request an id, stores an enriched logger
// in the context, and records access logs and latency.
func withRequestContext(base *slog.Logger, metrics *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		logger := base.With("request_id", requestID, "method", r.Method, "path", r.URL.Path)
		ctx := context.WithValue(r.Context(), loggerKey, logger)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		route := r.URL.Path
		metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.RequestSeconds.WithLabelValues(route).Observe(elapsed.Seconds())

		logger.Info("request handled", "status", rec.status, "duration_ms", elapsed.Milliseconds())
	})
}
