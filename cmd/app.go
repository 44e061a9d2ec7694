package cmd

import (
	"fmt"
	"log/slog"

	"flowgate/pkg/batch"
	"flowgate/pkg/config"
	"flowgate/pkg/engine"
	"flowgate/pkg/logger"
	"flowgate/pkg/reporter"
	"flowgate/pkg/router"
)

// app is the wiring shared by every entry point.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	reporter   *reporter.Reporter
	dispatcher *batch.Dispatcher
	router     *router.Router
}

// loadApp reads configuration, installs the default logger and connects the
// ingress components to the HTTP engine.
func loadApp() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.ForStage(cfg.Logging, cfg.Stage)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	client, err := engine.New(cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("initialize engine client: %w", err)
	}

	return newApp(cfg, appLogger, client), nil
}

func newApp(cfg *config.Config, log *slog.Logger, client engine.Client) *app {
	rep := reporter.New(cfg, log)
	dispatcher := batch.New(client, rep, cfg.Batch.MaxConcurrency, log)

	return &app{
		cfg:        cfg,
		log:        log,
		reporter:   rep,
		dispatcher: dispatcher,
		router: router.New(client, router.Options{
			Stage:        cfg.Stage,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
			Reporter:     rep,
			Dispatcher:   dispatcher,
		}, log),
	}
}
