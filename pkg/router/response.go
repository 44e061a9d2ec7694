package router

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"flowgate/pkg/engine"
)

// responseWriter remembers whether anything has been sent, so the terminal
// error handler can refuse to write a second response.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
	sent   bool
}

func (w *responseWriter) WriteHeader(status int) {
	if w.sent {
		return
	}
	w.status = status
	w.sent = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.sent {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Sent reports whether a status line has gone out for this request.
func (w *responseWriter) Sent() bool {
	return w.sent
}

type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeResult(w http.ResponseWriter, status int, result engine.Result) error {
	if len(result) == 0 {
		result = engine.Result("null")
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, err := w.Write(result)
	return err
}

func writeJSON(w http.ResponseWriter, status int, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return writeResult(w, status, payload)
}

// readBody reads the whole body, turning an exceeded limit into a 413.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, tooLarge(maxErr.Limit)
		}
		if limit > 0 && int64(len(body)) >= limit {
			return nil, tooLarge(limit)
		}
		return nil, badRequest(msgBodyBadFormat)
	}
	return body, nil
}

// decodeJSON reads and decodes a JSON body. An empty body decodes as {}.
func decodeJSON(r *http.Request, limit int64, target any) error {
	body, err := readBody(r, limit)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, target); err != nil {
		return badRequest(msgBodyBadFormat)
	}
	return nil
}
