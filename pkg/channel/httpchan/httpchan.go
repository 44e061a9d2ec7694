package httpchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"flowgate/pkg/config"
)

const (
	channelName = "http"

	defaultHost       = "0.0.0.0"
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Adapter serves the ingress router over HTTP.
type Adapter struct {
	addr    string
	handler http.Handler
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewAdapter binds nothing yet; the listener opens in Run.
func NewAdapter(cfg config.ServerConfig, handler http.Handler, log *slog.Logger) (*Adapter, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if log == nil {
		log = slog.Default()
	}

	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = defaultHost
	}
	if cfg.Port < 0 {
		return nil, fmt.Errorf("server.port %d is invalid", cfg.Port)
	}

	return &Adapter{
		addr:    net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		handler: handler,
		log:     log.With("component", "channel.http"),
		ready:   make(chan struct{}),
	}, nil
}

func (a *Adapter) Name() string {
	return channelName
}

// Ready is closed once the listener accepts connections.
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound address, or nil before Ready.
func (a *Adapter) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Run listens until ctx ends, then drains in-flight requests.
func (a *Adapter) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.addr, err)
	}

	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()
	close(a.ready)

	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("HTTP channel shutdown incomplete", "error", err)
		}
	}()

	a.log.Info("HTTP channel started", "address", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		a.log.Info("HTTP channel stopped")
		return nil
	}
	return fmt.Errorf("serve http: %w", err)
}
