package queuechan

import (
	"context"
	"errors"
	"log/slog"

	"flowgate/pkg/batch"
	"flowgate/pkg/bus"
	"flowgate/pkg/invocation"
)

const channelName = "queue"

// Adapter consumes batch envelopes from the queue topic and dispatches them.
type Adapter struct {
	transport  *bus.Transport
	dispatcher *batch.Dispatcher
	log        *slog.Logger
}

func NewAdapter(transport *bus.Transport, dispatcher *batch.Dispatcher, log *slog.Logger) (*Adapter, error) {
	if transport == nil {
		return nil, errors.New("queue transport is required")
	}
	if dispatcher == nil {
		return nil, errors.New("batch dispatcher is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		transport:  transport,
		dispatcher: dispatcher,
		log:        log.With("component", "channel.queue"),
	}, nil
}

func (a *Adapter) Name() string {
	return channelName
}

// Run consumes until ctx ends.
func (a *Adapter) Run(ctx context.Context) error {
	a.log.Info("Queue channel started", "driver", a.transport.Driver(), "topic", a.transport.Topic())
	err := a.transport.Consume(ctx, a.handle)
	a.log.Info("Queue channel stopped")
	return err
}

// handle never fails: record failures are already reported by the dispatcher,
// and a redelivered envelope would fail the same way.
func (a *Adapter) handle(ctx context.Context, messageID string, payload []byte) error {
	if invocation.IsWarmup(payload) {
		a.log.Debug("Skipping warmup message", "message_id", messageID)
		return nil
	}

	outcomes := a.dispatcher.HandleRaw(ctx, payload)

	failed := 0
	for _, outcome := range outcomes {
		if outcome.Failed() {
			failed++
		}
	}
	a.log.Debug("Queue message handled", "message_id", messageID, "records", len(outcomes), "failed", failed)
	return nil
}
