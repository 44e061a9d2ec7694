package queuechan

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowgate/pkg/batch"
	"flowgate/pkg/bus"
	"flowgate/pkg/config"
	"flowgate/pkg/engine"
	"flowgate/pkg/reporter"
)

type countingEngine struct {
	mu   sync.Mutex
	runs []string
}

func (e *countingEngine) Run(_ context.Context, event engine.Event, _ engine.BotDescriptor) (engine.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, event.RequestID)
	return engine.Result(`{}`), nil
}

func (e *countingEngine) ValidFlow(context.Context, json.RawMessage) (engine.Result, error) {
	return nil, errors.New("not used")
}

func (e *countingEngine) CloseAllConversations(context.Context, json.RawMessage) (engine.Result, error) {
	return nil, errors.New("not used")
}

func (e *countingEngine) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.runs...)
}

type countingSink struct {
	mu    sync.Mutex
	count int
}

func (s *countingSink) Send(context.Context, reporter.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func (s *countingSink) reports() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func envelope(t *testing.T, messages ...string) []byte {
	t.Helper()

	records := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		records = append(records, map[string]any{
			"EventSource": "aws:sns",
			"Sns":         map[string]any{"Message": message},
		})
	}
	payload, err := json.Marshal(map[string]any{"Records": records})
	require.NoError(t, err)
	return payload
}

func TestAdapterDispatchesQueuedBatches(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	transport, err := bus.New(context.Background(), config.QueueConfig{Driver: config.QueueDriverMemory, Topic: "batches"}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	eng := &countingEngine{}
	sink := &countingSink{}
	rep := reporter.NewWithSink(reporter.Options{Stage: "test"}, sink, log)
	dispatcher := batch.New(eng, rep, 0, log)

	adapter, err := NewAdapter(transport, dispatcher, log)
	require.NoError(t, err)
	require.Equal(t, "queue", adapter.Name())

	ctx := context.Background()
	_, err = transport.Publish(ctx, envelope(t,
		`{"bot":{},"request":{"request_id":"r-1"}}`,
		`not json`,
	))
	require.NoError(t, err)
	_, err = transport.Publish(ctx, []byte(`{"source":"aws.events"}`))
	require.NoError(t, err)
	_, err = transport.Publish(ctx, envelope(t, `{"bot":{},"request":{"request_id":"r-2"}}`))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- adapter.Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		return len(eng.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"r-1", "r-2"}, eng.snapshot())
	require.Eventually(t, func() bool {
		return sink.reports() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queue adapter did not stop")
	}
}

func TestNewAdapterRequiresDependencies(t *testing.T) {
	_, err := NewAdapter(nil, nil, nil)
	require.Error(t, err)
}
