package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"flowgate/pkg/channel"
	"flowgate/pkg/config"
)

const defaultStatusHost = "0.0.0.0"

// Service runs the enabled ingress channels side by side.
type Service struct {
	cfg      config.ServerConfig
	log      *slog.Logger
	channels []channel.Adapter

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Channels      map[string]channelState `json:"channels"`
}

func NewService(cfg config.ServerConfig, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		if _, dup := channelStates[adapter.Name()]; dup {
			return nil, fmt.Errorf("channel %q is configured twice", adapter.Name())
		}
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		channels:      adapters,
		channelStates: channelStates,
	}, nil
}

// Run blocks until ctx ends or a channel fails, then stops every channel and
// waits for them to return.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.channels)+1)

	if s.cfg.StatusPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.runStatusServer(runCtx); err != nil {
				errCh <- err
			}
		}()
	}

	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := adapter.Run(runCtx)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		s.log.Error("Channel failed, stopping gateway", "error", runErr)
	}

	cancel()
	wg.Wait()
	return runErr
}

func (s *Service) runStatusServer(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultStatusHost
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.StatusPort))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(s.currentStatus(status)); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Channels:      channels,
	}
}

// isReady holds while every channel is running.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.channelStates) == 0 {
		return false
	}
	for _, state := range s.channelStates {
		if !state.Running {
			return false
		}
	}
	return true
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
