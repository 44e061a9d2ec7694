package router

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// Handler serves one request. A returned error goes to the terminal error handler.
type Handler func(http.ResponseWriter, *http.Request) error

// Stage wraps the rest of the pipeline. It may answer and return without calling
// next, or call next and inspect its error.
type Stage func(next Handler) Handler

type requestIDKey struct{}

// RequestIDFrom returns the id assigned by the RequestID stage.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID keeps an incoming X-Request-Id or assigns a new one.
func RequestID() Stage {
	return func(next Handler) Handler {
		return func(w http.ResponseWriter, r *http.Request) error {
			id := strings.TrimSpace(r.Header.Get(headerRequestID))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(headerRequestID, id)
			return next(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		}
	}
}

// AccessLog logs one line per request. Stage "local" logs verbosely, "test" disables it.
func AccessLog(stage string, log *slog.Logger) Stage {
	stage = strings.ToLower(strings.TrimSpace(stage))
	return func(next Handler) Handler {
		if stage == "test" {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) error {
			startedAt := time.Now()
			err := next(w, r)

			status := http.StatusOK
			written := 0
			if rw, ok := w.(*responseWriter); ok && rw.Sent() {
				status = rw.status
				written = rw.bytes
			}
			if err != nil {
				status = StatusOf(err)
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", time.Since(startedAt).Milliseconds(),
			}
			if stage == "local" {
				attrs = append(attrs,
					"request_id", RequestIDFrom(r.Context()),
					"bytes", written,
					"user_agent", r.UserAgent(),
				)
			}
			log.Info("HTTP request", attrs...)
			return err
		}
	}
}

// Recover turns a handler panic into an error for the terminal handler.
func Recover() Stage {
	return func(next Handler) Handler {
		return func(w http.ResponseWriter, r *http.Request) (err error) {
			defer func() {
				if recovered := recover(); recovered != nil {
					err = panicError(recovered)
				}
			}()
			return next(w, r)
		}
	}
}

// LimitBody caps request bodies at limit bytes; limit <= 0 disables the cap.
func LimitBody(limit int64) Stage {
	return func(next Handler) Handler {
		if limit <= 0 {
			return next
		}
		return func(w http.ResponseWriter, r *http.Request) error {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			return next(w, r)
		}
	}
}

func chain(stages []Stage, final Handler) Handler {
	handler := final
	for i := len(stages) - 1; i >= 0; i-- {
		handler = stages[i](handler)
	}
	return handler
}
