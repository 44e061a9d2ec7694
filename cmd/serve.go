package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"flowgate/pkg/bus"
	"flowgate/pkg/channel"
	"flowgate/pkg/channel/httpchan"
	"flowgate/pkg/channel/queuechan"
	"flowgate/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingress and queue consumer",
	Long:  "Runs Flowgate as a long-lived gateway: the HTTP router, plus the queue consumer when queue.enabled is set.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, err := loadApp()
		if err != nil {
			fmt.Printf("failed to start: %v\n", err)
			return
		}
		log := a.log.With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		adapters, closeAdapters, err := enabledAdapters(runCtx, a, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}
		defer closeAdapters()

		svc, err := gateway.NewService(a.cfg.Server, adapters, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "stage", a.cfg.Stage, "version", a.cfg.Build.AppVersion())
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// enabledAdapters builds the HTTP channel and, when enabled, the queue channel.
// The returned func releases the queue transport.
func enabledAdapters(ctx context.Context, a *app, log *slog.Logger) ([]channel.Adapter, func(), error) {
	httpAdapter, err := httpchan.NewAdapter(a.cfg.Server, a.router, log)
	if err != nil {
		return nil, nil, fmt.Errorf("configure http channel: %w", err)
	}
	adapters := []channel.Adapter{httpAdapter}
	closeFn := func() {}

	if a.cfg.Queue.Enabled {
		transport, err := bus.New(ctx, a.cfg.Queue, log)
		if err != nil {
			return nil, nil, fmt.Errorf("configure queue channel: %w", err)
		}
		queueAdapter, err := queuechan.NewAdapter(transport, a.dispatcher, log)
		if err != nil {
			_ = transport.Close()
			return nil, nil, fmt.Errorf("configure queue channel: %w", err)
		}
		adapters = append(adapters, queueAdapter)
		closeFn = func() {
			if err := transport.Close(); err != nil {
				log.Warn("Failed to close queue transport", "error", err)
			}
		}
	}

	return adapters, closeFn, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
