package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const maxIdempotencyKey = 128

// IdempotentResponse is the stored outcome of a keyed request.
type IdempotentResponse struct {
	Key    string
	Method string
	Path   string
	Status int
	Body   string
}

// IdempotencyStore persists responses by idempotency key.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (IdempotentResponse, bool, error)
	Save(ctx context.Context, resp IdempotentResponse) error
}

// WithIdempotency executes requests carrying the same Idempotency-Key once
// and replays the stored response afterwards. Keys are scoped to the caller.
// Only successful responses are stored so a failed request may be retried.
func WithIdempotency(store IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKey {
				writeError(w, http.StatusBadRequest, "idempotency key too long")
				return
			}
			scoped := clientID(r) + "|" + key
			record, ok, err := store.Lookup(r.Context(), scoped)
			if err != nil {
				logger.Warn("idempotency: lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, "idempotency lookup failed")
				return
			}
			if ok {
				if record.Method != r.Method || record.Path != r.URL.Path {
					writeError(w, http.StatusConflict, "idempotency key reused for a different request")
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Body)
				return
			}

			recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			if recorder.status >= http.StatusBadRequest {
				return
			}
			err = store.Save(r.Context(), IdempotentResponse{
				Key:    scoped,
				Method: r.Method,
				Path:   r.URL.Path,
				Status: recorder.status,
				Body:   recorder.buf.String(),
			})
			if err != nil {
				logger.Warn("idempotency: save failed", "error", err)
			}
		})
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
