package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"flowgate/pkg/config"
)

func memoryConfig() config.QueueConfig {
	return config.QueueConfig{Enabled: true, Driver: config.QueueDriverMemory, Topic: "flowgate.test"}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryTransport(t *testing.T) *Transport {
	t.Helper()

	tr, err := New(context.Background(), memoryConfig(), quietLogger())
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	tr := newMemoryTransport(t)

	id, err := tr.Publish(context.Background(), []byte(`{"Records":[]}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatal("expected a message id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var gotID string
	var gotPayload string
	err = tr.Consume(ctx, func(_ context.Context, messageID string, payload []byte) error {
		gotID = messageID
		gotPayload = string(payload)
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if gotID != id {
		t.Fatalf("message id = %q, want %q", gotID, id)
	}
	if gotPayload != `{"Records":[]}` {
		t.Fatalf("payload = %q", gotPayload)
	}
}

func TestConsumeRedeliversAfterHandlerError(t *testing.T) {
	tr := newMemoryTransport(t)

	if _, err := tr.Publish(context.Background(), []byte("retry-me")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	err := tr.Consume(ctx, func(context.Context, string, []byte) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestCloseStopsTransport(t *testing.T) {
	tr, err := New(context.Background(), memoryConfig(), quietLogger())
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := tr.Publish(context.Background(), []byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close error = %v, want ErrClosed", err)
	}
	if _, err := tr.Subscribe(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close error = %v, want ErrClosed", err)
	}
}

func TestPublishHonorsCanceledContext(t *testing.T) {
	tr := newMemoryTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tr.Publish(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("publish error = %v, want context.Canceled", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.QueueConfig
	}{
		{name: "missing topic", cfg: config.QueueConfig{Driver: config.QueueDriverMemory}},
		{name: "unknown driver", cfg: config.QueueConfig{Driver: "kafka", Topic: "t"}},
		{name: "redis without address", cfg: config.QueueConfig{Driver: config.QueueDriverRedis, Topic: "t"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(context.Background(), tc.cfg, quietLogger()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := New(ctx, config.QueueConfig{
		Driver:        config.QueueDriverRedis,
		Addr:          "127.0.0.1:1",
		Topic:         "t",
		ConsumerGroup: "g",
		Consumer:      "c",
	}, quietLogger())
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestDefaultDriverIsMemory(t *testing.T) {
	tr, err := New(context.Background(), config.QueueConfig{Topic: "t"}, quietLogger())
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	if tr.Driver() != config.QueueDriverMemory {
		t.Fatalf("driver = %q", tr.Driver())
	}
	if tr.Topic() != "t" {
		t.Fatalf("topic = %q", tr.Topic())
	}
}
