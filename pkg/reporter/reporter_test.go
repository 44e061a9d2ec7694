package reporter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowgate/pkg/config"
)

type recordingSink struct {
	mu      sync.Mutex
	reports []Report
	err     error
	panic   bool
}

func (s *recordingSink) Send(_ context.Context, report Report) error {
	if s.panic {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnrichDirtyBuildAndStage(t *testing.T) {
	t.Parallel()

	r := NewWithSink(Options{Stage: "prod", Build: config.BuildConfig{Commit: "abc123", Dirty: true}}, &recordingSink{}, discardLogger())

	report := r.Enrich(errors.New("boom"), Context{
		Custom:  "payload",
		Request: &RequestInfo{Method: http.MethodPost, Path: "/run"},
	})

	require.Equal(t, "abc123-dirty", report.AppVersion)
	require.Equal(t, "prod", report.ReleaseStage)
	require.Equal(t, "/run", report.Grouping)
	require.Equal(t, "payload", report.Context.Custom)
}

func TestEnrichWithoutRequestLeavesGroupingUnset(t *testing.T) {
	t.Parallel()

	r := NewWithSink(Options{Stage: "local", Build: config.BuildConfig{Commit: "abc123"}}, &recordingSink{}, discardLogger())

	require.Empty(t, r.Enrich(errors.New("boom"), Context{}).Grouping)
	require.Empty(t, r.Enrich(errors.New("boom"), Context{Request: &RequestInfo{}}).Grouping)
	require.Equal(t, "abc123", r.Enrich(errors.New("boom"), Context{}).AppVersion)
}

func TestReportSubmitsEnrichedReport(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	r := NewWithSink(Options{Stage: "staging", Build: config.BuildConfig{Commit: "c0ffee"}}, sink, discardLogger())

	r.Report(context.Background(), errors.New("boom"), Context{Custom: map[string]any{"k": "v"}})

	require.Len(t, sink.reports, 1)
	require.EqualError(t, sink.reports[0].Err, "boom")
	require.Equal(t, "staging", sink.reports[0].ReleaseStage)
}

func TestReportNeverFailsCaller(t *testing.T) {
	t.Parallel()

	failing := NewWithSink(Options{}, &recordingSink{err: errors.New("network down")}, discardLogger())
	require.NotPanics(t, func() {
		failing.Report(context.Background(), errors.New("boom"), Context{})
	})

	panicking := NewWithSink(Options{}, &recordingSink{panic: true}, discardLogger())
	require.NotPanics(t, func() {
		panicking.Report(context.Background(), errors.New("boom"), Context{})
	})

	var nilReporter *Reporter
	require.NotPanics(t, func() {
		nilReporter.Report(context.Background(), errors.New("boom"), Context{})
	})
}

func TestNewWithoutAPIKeyReportsOffline(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	log := slog.New(slog.NewTextHandler(&out, nil))

	cfg := config.Default()
	cfg.Stage = "local"
	r := New(cfg, log)

	require.NotPanics(t, func() {
		r.Report(context.Background(), errors.New("offline boom"), Context{Request: &RequestInfo{Path: "/flows/validate"}})
	})
	require.Contains(t, out.String(), "offline boom")
	require.Contains(t, out.String(), "/flows/validate")
}

func TestBugsnagSinkPostsToConfiguredEndpoint(t *testing.T) {
	t.Parallel()

	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case received <- body:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	opts := Options{Stage: "prod", Build: config.BuildConfig{Commit: "abc123", Dirty: true}}
	sink := NewBugsnagSink(config.ReporterConfig{
		APIKey:           "0123456789abcdef0123456789abcdef",
		NotifyEndpoint:   server.URL,
		SessionsEndpoint: server.URL,
	}, opts, discardLogger())

	r := NewWithSink(opts, sink, discardLogger())
	r.Report(context.Background(), errors.New("engine failure"), Context{
		Custom:  "record-1",
		Request: &RequestInfo{Path: "/run"},
	})

	var body []byte
	select {
	case body = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bugsnag notification")
	}
	require.Contains(t, string(body), "engine failure")
	require.Contains(t, string(body), "abc123-dirty")
	require.Contains(t, string(body), "/run")
}
