// Package logger builds the process slog logger.
//
// The text format renders through charmbracelet/log for terminals; the json
// format writes one Entry per line for log shippers. Either way components tag
// themselves with a "component" attribute.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	charmLog "github.com/charmbracelet/log"

	"flowgate/pkg/config"
)

const (
	formatText = "text"
	formatJSON = "json"

	envLogFormat    = "FLOWGATE_LOG_FORMAT"
	envLogLevel     = "FLOWGATE_LOG_LEVEL"
	envLogAddSource = "FLOWGATE_LOG_ADD_SOURCE"
)

// settings is LoggingConfig after environment overrides and defaults.
type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

// ForStage builds the process logger and tags every record with the deployment stage.
func ForStage(cfg config.LoggingConfig, stage string) (*slog.Logger, error) {
	log, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if stage = strings.TrimSpace(stage); stage != "" {
		log = log.With("stage", stage)
	}
	return log, nil
}

// Watermill adapts a slog logger for watermill publishers and subscribers.
func Watermill(log *slog.Logger) watermill.LoggerAdapter {
	if log == nil {
		log = slog.Default()
	}
	return watermill.NewSlogLogger(log.With("component", "bus.watermill"))
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	if s.format == formatJSON {
		return slog.New(newEntryHandler(writer, s.level, s.addSource)), nil
	}

	// charmbracelet/log levels share slog's numeric values.
	return slog.New(charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLog.Level(s.level),
		ReportTimestamp: true,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
	})), nil
}

func resolve(cfg config.LoggingConfig) (settings, error) {
	s := settings{format: formatText, level: slog.LevelInfo, addSource: cfg.AddSource}

	if format := override(cfg.Format, envLogFormat); format != "" {
		s.format = strings.ToLower(format)
	}
	if s.format != formatText && s.format != formatJSON {
		return settings{}, fmt.Errorf("unsupported log format %q", s.format)
	}

	if level := override(cfg.Level, envLogLevel); level != "" {
		if strings.EqualFold(level, "warning") {
			level = "warn"
		}
		if err := s.level.UnmarshalText([]byte(level)); err != nil {
			return settings{}, fmt.Errorf("unsupported log level %q", level)
		}
	}

	if raw := strings.TrimSpace(os.Getenv(envLogAddSource)); raw != "" {
		switch strings.ToLower(raw) {
		case "1", "true", "yes", "on":
			s.addSource = true
		default:
			s.addSource = false
		}
	}

	return s, nil
}

// override returns the environment value when set, else the configured one.
func override(configured string, env string) string {
	if value := strings.TrimSpace(os.Getenv(env)); value != "" {
		return value
	}
	return strings.TrimSpace(configured)
}
