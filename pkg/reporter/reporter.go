// Package reporter turns failures into enriched crash reports and hands them to a sink.
//
// A Reporter never fails its caller: sink errors and sink panics are logged and
// swallowed. When no API key is configured the reporter writes reports to the
// log instead of a remote service.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"flowgate/pkg/config"
)

// RequestInfo describes the HTTP request a failure happened in.
type RequestInfo struct {
	ID     string `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Context is caller-supplied diagnostic context.
type Context struct {
	Custom  any          `json:"custom,omitempty"`
	Request *RequestInfo `json:"request,omitempty"`
}

// Report is an enriched failure, ready for a sink.
type Report struct {
	Err          error
	Context      Context
	AppVersion   string
	ReleaseStage string
	// Grouping is the display/grouping key shown by the sink; the request path when known.
	Grouping string
}

// Sink delivers reports to a diagnostics backend.
type Sink interface {
	Send(ctx context.Context, report Report) error
}

// Options are the enrichment inputs fixed for the life of the process.
type Options struct {
	Stage string
	Build config.BuildConfig
}

type Reporter struct {
	stage      string
	appVersion string
	sink       Sink
	log        *slog.Logger
}

// New builds the process reporter: Bugsnag when an API key is configured, offline otherwise.
func New(cfg *config.Config, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}

	opts := Options{Stage: cfg.Stage, Build: cfg.Build}

	var sink Sink
	if strings.TrimSpace(cfg.Reporter.APIKey) == "" {
		log.With("component", "reporter").Info("No crash-reporting key configured, reporting offline")
		sink = NewOfflineSink(log)
	} else {
		sink = NewBugsnagSink(cfg.Reporter, opts, log)
	}

	return NewWithSink(opts, sink, log)
}

// NewWithSink builds a reporter around an explicit sink. A nil sink reports offline.
func NewWithSink(opts Options, sink Sink, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = NewOfflineSink(log)
	}

	return &Reporter{
		stage:      strings.TrimSpace(opts.Stage),
		appVersion: opts.Build.AppVersion(),
		sink:       sink,
		log:        log.With("component", "reporter"),
	}
}

// Enrich attaches release identity, stage and grouping key to err and rc.
func (r *Reporter) Enrich(err error, rc Context) Report {
	report := Report{
		Err:          err,
		Context:      rc,
		AppVersion:   r.appVersion,
		ReleaseStage: r.stage,
	}
	if rc.Request != nil && rc.Request.Path != "" {
		report.Grouping = rc.Request.Path
	}
	return report
}

// Report enriches err and submits it. Safe on a nil Reporter.
func (r *Reporter) Report(ctx context.Context, err error, rc Context) {
	if r == nil || err == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	report := r.Enrich(err, rc)

	defer func() {
		if recovered := recover(); recovered != nil {
			r.log.Error("Crash reporter sink panicked", "panic", fmt.Sprint(recovered), "error", err)
		}
	}()

	if sendErr := r.sink.Send(ctx, report); sendErr != nil {
		r.log.Error("Failed to submit crash report", "error", sendErr, "report_error", err)
	}
}

// OfflineSink logs reports; used when no remote backend is configured.
type OfflineSink struct {
	log *slog.Logger
}

func NewOfflineSink(log *slog.Logger) *OfflineSink {
	if log == nil {
		log = slog.Default()
	}
	return &OfflineSink{log: log.With("component", "reporter.offline")}
}

func (s *OfflineSink) Send(_ context.Context, report Report) error {
	attrs := []any{
		"error", report.Err,
		"app_version", report.AppVersion,
		"release_stage", report.ReleaseStage,
	}
	if report.Grouping != "" {
		attrs = append(attrs, "context", report.Grouping)
	}
	if report.Context.Custom != nil {
		attrs = append(attrs, "custom", report.Context.Custom)
	}
	s.log.Error("Crash report", attrs...)
	return nil
}
