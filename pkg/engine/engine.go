package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"flowgate/pkg/config"
)

const maxErrorBodyPreview = 512

// Client is the conversation engine as seen by the ingress layer.
type Client interface {
	Run(ctx context.Context, event Event, bot BotDescriptor) (Result, error)
	ValidFlow(ctx context.Context, content json.RawMessage) (Result, error)
	CloseAllConversations(ctx context.Context, body json.RawMessage) (Result, error)
}

// HTTPClient reaches a remote engine over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

func New(cfg config.EngineConfig) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("engine.base_url is required (or set ENGINE_URL)")
	}

	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *HTTPClient) Run(ctx context.Context, event Event, bot BotDescriptor) (Result, error) {
	body, err := json.Marshal(ConversationRequest{BotDescriptor: bot, Event: &event})
	if err != nil {
		return nil, fmt.Errorf("encode run request: %w", err)
	}
	return c.post(ctx, "run", "/run", body)
}

func (c *HTTPClient) ValidFlow(ctx context.Context, content json.RawMessage) (Result, error) {
	return c.post(ctx, "valid_flow", "/validate", content)
}

func (c *HTTPClient) CloseAllConversations(ctx context.Context, body json.RawMessage) (Result, error) {
	return c.post(ctx, "close_all_conversations", "/conversations/close", body)
}

func (c *HTTPClient) post(ctx context.Context, operation string, path string, body []byte) (Result, error) {
	log := engineLogger().With("operation", operation)
	startedAt := time.Now()
	log.Debug("engine request started", "body_bytes", len(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug("engine request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, operation+" failed").
			WithCode(http.StatusBadGateway)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debug("engine request rejected", "duration_ms", time.Since(startedAt).Milliseconds(), "status", resp.StatusCode)
		return nil, goerrors.New(
			fmt.Sprintf("%s: engine returned %d: %s", operation, resp.StatusCode, preview(payload)),
			goerrors.CategoryExternal,
		).WithCode(resp.StatusCode)
	}
	log.Debug("engine request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "status", resp.StatusCode)

	if len(bytes.TrimSpace(payload)) == 0 {
		return Result("null"), nil
	}
	return Result(payload), nil
}

func preview(payload []byte) string {
	text := strings.TrimSpace(string(payload))
	if len(text) <= maxErrorBodyPreview {
		return text
	}
	return text[:maxErrorBodyPreview] + "..."
}

func engineLogger() *slog.Logger {
	return slog.Default().With("component", "engine.http")
}
