// Package bus is the queue transport for batch envelopes.
//
// The memory driver is an in-process Watermill gochannel; the redis driver uses
// Redis Streams with a consumer group, so several workers share one topic.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"flowgate/pkg/config"
	"flowgate/pkg/logger"
)

const (
	defaultBufferSize  = 100
	defaultPingTimeout = 5 * time.Second
)

var ErrClosed = errors.New("bus is closed")

// Transport publishes and consumes batch envelopes on one topic.
type Transport struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	client     *redis.Client

	driver string
	topic  string
	log    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New opens the transport selected by cfg.Driver. The redis driver checks the
// server is reachable before returning.
func New(ctx context.Context, cfg config.QueueConfig, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("queue topic is required")
	}

	t := &Transport{
		driver: strings.ToLower(strings.TrimSpace(cfg.Driver)),
		topic:  topic,
		log:    log.With("component", "bus.transport"),
		done:   make(chan struct{}),
	}
	wmLogger := logger.Watermill(log)

	switch t.driver {
	case "", config.QueueDriverMemory:
		t.driver = config.QueueDriverMemory
		pubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: defaultBufferSize,
			Persistent:          true,
		}, wmLogger)
		t.publisher = pubSub
		t.subscriber = pubSub
	case config.QueueDriverRedis:
		if err := t.openRedis(ctx, cfg, wmLogger); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}

	t.log.Info("Queue transport ready", "driver", t.driver, "topic", t.topic)
	return t, nil
}

func (t *Transport) openRedis(ctx context.Context, cfg config.QueueConfig, wmLogger watermill.LoggerAdapter) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return errors.New("redis queue address is required")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DialTimeout: defaultPingTimeout})

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect redis %s: %w", addr, err)
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wmLogger)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("create redis publisher: %w", err)
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: cfg.ConsumerGroup,
		Consumer:      cfg.Consumer,
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return fmt.Errorf("create redis subscriber: %w", err)
	}

	t.client = client
	t.publisher = pub
	t.subscriber = sub
	return nil
}

func (t *Transport) Driver() string {
	return t.driver
}

func (t *Transport) Topic() string {
	return t.topic
}

// Publish enqueues one envelope and returns its message id.
func (t *Transport) Publish(ctx context.Context, payload []byte) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
		return "", ErrClosed
	default:
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetadataPublishedAt, time.Now().UTC().Format(time.RFC3339Nano))
	msg.SetContext(ctx)

	if err := t.publisher.Publish(t.topic, msg); err != nil {
		return "", fmt.Errorf("publish to %s: %w", t.topic, err)
	}
	return msg.UUID, nil
}

// Subscribe starts consuming the topic. The channel closes when ctx ends or
// the transport is closed; every message must be acked or nacked.
func (t *Transport) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	select {
	case <-t.done:
		return nil, ErrClosed
	default:
	}

	messages, err := t.subscriber.Subscribe(ctx, t.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", t.topic, err)
	}
	return messages, nil
}

// Close stops the transport. The redis publisher and subscriber may close the
// shared client themselves, so an already-closed client is not an error.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		closers := []func() error{t.publisher.Close}
		if t.driver == config.QueueDriverRedis {
			closers = append(closers, t.subscriber.Close, t.client.Close)
		}

		var errs []error
		for _, closeFn := range closers {
			if err := closeFn(); err != nil && !errors.Is(err, redis.ErrClosed) {
				errs = append(errs, err)
			}
		}
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}

// Consume feeds every delivered message to handler, one at a time, until ctx
// ends or the subscription closes.
func (t *Transport) Consume(ctx context.Context, handler Handler) error {
	messages, err := t.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg.UUID, msg.Payload); err != nil {
				t.log.Warn("Message handling failed, requesting redelivery", "message_id", msg.UUID, "error", err)
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}
