package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bugsnag/bugsnag-go/v2"

	"flowgate/pkg/config"
)

// BugsnagSink forwards reports to Bugsnag.
type BugsnagSink struct {
	notifier *bugsnag.Notifier
}

// NewBugsnagSink configures a synchronous notifier, since a serverless host may
// freeze the process as soon as the invocation returns.
func NewBugsnagSink(cfg config.ReporterConfig, opts Options, log *slog.Logger) *BugsnagSink {
	if log == nil {
		log = slog.Default()
	}

	conf := bugsnag.Configuration{
		APIKey:              strings.TrimSpace(cfg.APIKey),
		ReleaseStage:        strings.TrimSpace(opts.Stage),
		AppVersion:          opts.Build.AppVersion(),
		Synchronous:         true,
		AutoCaptureSessions: false,
		ProjectPackages:     []string{"main", "flowgate*"},
		Logger:              printfLogger{log: log.With("component", "reporter.bugsnag")},
	}
	if cfg.NotifyEndpoint != "" || cfg.SessionsEndpoint != "" {
		conf.Endpoints = bugsnag.Endpoints{
			Notify:   cfg.NotifyEndpoint,
			Sessions: cfg.SessionsEndpoint,
		}
	}

	return &BugsnagSink{notifier: bugsnag.New(conf)}
}

func (s *BugsnagSink) Send(ctx context.Context, report Report) error {
	meta := bugsnag.MetaData{}
	meta.Add("app", "version", report.AppVersion)
	meta.Add("app", "releaseStage", report.ReleaseStage)
	if report.Context.Custom != nil {
		meta.Add("custom", "value", report.Context.Custom)
	}
	if req := report.Context.Request; req != nil {
		meta.Add("request", "id", req.ID)
		meta.Add("request", "method", req.Method)
		meta.Add("request", "path", req.Path)
	}

	rawData := []any{ctx, meta, bugsnag.SeverityError}
	if report.Grouping != "" {
		rawData = append(rawData, bugsnag.Context{String: report.Grouping})
	}

	if err := s.notifier.Notify(report.Err, rawData...); err != nil {
		return fmt.Errorf("bugsnag notify: %w", err)
	}
	return nil
}

type printfLogger struct {
	log *slog.Logger
}

func (l printfLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
