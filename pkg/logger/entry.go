package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Entry is one line of json-format output.
type Entry struct {
	Time      string         `json:"time"`
	Level     string         `json:"level"`
	Stage     string         `json:"stage,omitempty"`
	Component string         `json:"component,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Message   string         `json:"msg"`
	Error     string         `json:"error,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// field is an attribute flattened to its dotted key.
type field struct {
	key   string
	value any
}

// entryHandler writes Entry lines. Attributes bound through WithAttrs are
// flattened once and shared by every record the derived handler writes.
type entryHandler struct {
	mu        *sync.Mutex
	out       io.Writer
	level     slog.Leveler
	addSource bool

	prefix string
	bound  []field
}

func newEntryHandler(out io.Writer, level slog.Leveler, addSource bool) *entryHandler {
	return &entryHandler{mu: &sync.Mutex{}, out: out, level: level, addSource: addSource}
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.bound = flatten(append([]field(nil), h.bound...), h.prefix, attrs)
	return &next
}

func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *entryHandler) Handle(_ context.Context, record slog.Record) error {
	fields := append([]field(nil), h.bound...)
	record.Attrs(func(attr slog.Attr) bool {
		fields = flatten(fields, h.prefix, []slog.Attr{attr})
		return true
	})

	entry := Entry{
		Time:    stamp(record.Time),
		Level:   strings.ToLower(record.Level.String()),
		Message: record.Message,
	}
	for _, f := range fields {
		if entry.promote(f) {
			continue
		}
		if entry.Fields == nil {
			entry.Fields = make(map[string]any, len(fields))
		}
		entry.Fields[f.key] = f.value
	}
	if h.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if frame.File != "" {
			entry.Source = fmt.Sprintf("%s:%d", frame.File, frame.Line)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(line)
	return err
}

// promote lifts the top-level routing keys out of Fields. Grouped keys stay put.
func (e *Entry) promote(f field) bool {
	text, ok := f.value.(string)
	if !ok {
		return false
	}
	switch f.key {
	case "stage":
		e.Stage = text
	case "component":
		e.Component = text
	case "request_id":
		e.RequestID = text
	case "error":
		e.Error = text
	default:
		return false
	}
	return true
}

func flatten(dst []field, prefix string, attrs []slog.Attr) []field {
	for _, attr := range attrs {
		value := attr.Value.Resolve()
		if value.Kind() == slog.KindGroup {
			group := prefix
			if attr.Key != "" {
				group += attr.Key + "."
			}
			dst = flatten(dst, group, value.Group())
			continue
		}
		if attr.Key == "" {
			continue
		}
		dst = append(dst, field{key: prefix + attr.Key, value: plain(value)})
	}
	return dst
}

// plain converts a slog value into something encoding/json renders readably.
func plain(value slog.Value) any {
	switch value.Kind() {
	case slog.KindTime:
		return stamp(value.Time())
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindAny:
		switch v := value.Any().(type) {
		case error:
			return v.Error()
		case fmt.Stringer:
			return v.String()
		}
		return value.Any()
	default:
		return value.Any()
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
