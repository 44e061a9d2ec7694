package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"flowgate/pkg/bus"
	"flowgate/pkg/config"
	"flowgate/pkg/invocation"
	"flowgate/pkg/logger"
)

const enqueueTimeout = 30 * time.Second

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file|->",
	Short: "Publish a batch envelope to the queue",
	Long:  "Reads a batch envelope ({\"Records\": [...]}) from a file or stdin and publishes it to the configured queue topic.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logger.ForStage(cfg.Logging, cfg.Stage)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		payload, err := readEnvelope(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}
		if cfg.Queue.Driver != config.QueueDriverRedis {
			return fmt.Errorf("enqueue needs a shared queue; queue.driver is %q", cfg.Queue.Driver)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), enqueueTimeout)
		defer cancel()

		transport, err := bus.New(ctx, cfg.Queue, log)
		if err != nil {
			return err
		}
		defer transport.Close()

		id, err := transport.Publish(ctx, payload)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

// readEnvelope loads source ("-" is stdin) and checks it is a batch envelope.
func readEnvelope(source string, stdin io.Reader) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	if source == "-" {
		payload, err = io.ReadAll(stdin)
	} else {
		payload, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	inv, err := invocation.Classify(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if inv.Kind != invocation.KindBatch {
		return nil, errors.New("envelope must carry Records")
	}
	return payload, nil
}
