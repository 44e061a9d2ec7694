package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowgate/pkg/channel"
	"flowgate/pkg/config"
)

type blockingAdapter struct {
	name    string
	started chan struct{}
	failErr error
}

func newBlockingAdapter(name string) *blockingAdapter {
	return &blockingAdapter{name: name, started: make(chan struct{})}
}

func (a *blockingAdapter) Name() string {
	return a.name
}

func (a *blockingAdapter) Run(ctx context.Context) error {
	close(a.started)
	if a.failErr != nil {
		return a.failErr
	}
	<-ctx.Done()
	return nil
}

func TestIsReady(t *testing.T) {
	t.Parallel()

	svc := &Service{channelStates: map[string]channelState{"http": {Running: true}, "queue": {}}}
	if svc.isReady() {
		t.Fatal("expected not ready while a channel is stopped")
	}

	svc.channelStates["queue"] = channelState{Running: true}
	if !svc.isReady() {
		t.Fatal("expected ready with every channel running")
	}

	svc.channelStates = map[string]channelState{}
	if svc.isReady() {
		t.Fatal("expected not ready without channels")
	}
}

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	_, err := NewService(config.ServerConfig{}, nil, nil)
	require.Error(t, err)

	_, err = NewService(config.ServerConfig{}, []channel.Adapter{newBlockingAdapter("http"), newBlockingAdapter("http")}, nil)
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	httpAdapter := newBlockingAdapter("http")
	queueAdapter := newBlockingAdapter("queue")
	svc, err := NewService(config.ServerConfig{}, []channel.Adapter{httpAdapter, queueAdapter}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	<-httpAdapter.started
	<-queueAdapter.started
	require.Eventually(t, svc.isReady, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}

	status := svc.currentStatus("stopped")
	require.False(t, status.Channels["http"].Running)
	require.False(t, status.Channels["queue"].Running)
}

func TestRunReturnsChannelFailure(t *testing.T) {
	t.Parallel()

	healthy := newBlockingAdapter("http")
	broken := newBlockingAdapter("queue")
	broken.failErr = errors.New("redis gone")

	svc, err := NewService(config.ServerConfig{}, []channel.Adapter{healthy, broken}, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(context.Background())
	}()

	select {
	case err := <-errCh:
		require.ErrorContains(t, err, "run queue channel")
		require.ErrorContains(t, err, "redis gone")
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to fail")
	}

	status := svc.currentStatus("failed")
	require.Equal(t, "redis gone", status.Channels["queue"].Error)
	require.False(t, status.Channels["http"].Running)
}

func TestReadyHandler(t *testing.T) {
	t.Parallel()

	svc := &Service{channelStates: map[string]channelState{"http": {}}}

	rec := httptest.NewRecorder()
	svc.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	svc.setChannelState("http", channelState{Running: true})
	rec = httptest.NewRecorder()
	svc.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "ready", payload.Status)
	require.True(t, payload.Channels["http"].Running)
}
