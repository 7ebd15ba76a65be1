package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// requestLogger tags each request with an id and logs its outcome. Panics
// become 500 responses.
func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				logger.Error("handler panic", "request_id", id, "path", r.URL.Path, "panic", p)
				if rec.status == 0 {
					writeJSON(rec, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: "internal"})
				}
			}
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http request",
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", rec.bytes,
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(rec, r)
	})
}
