// Package push delivers push notifications through an HTTP JSON gateway.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/breaker"
	"github.com/baechuer/dealer-pipeline/services/notification-service/internal/application/notify"
)

type gatewayMessage struct {
	Token        string            `json:"token"`
	Notification gatewayContent    `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type gatewayContent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type gatewayRequest struct {
	Message gatewayMessage `json:"message"`
}

type GatewayConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Gateway posts FCM-style messages. Calls go through a circuit breaker.
type Gateway struct {
	url    string
	apiKey string
	client *http.Client
	cb     *breaker.Breaker
}

var _ notify.PushProvider = (*Gateway)(nil)

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.URL == "" {
		return nil, errors.New("PUSH_GATEWAY_URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Gateway{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
		cb:     breaker.New(breaker.Config{Name: "push_gateway"}),
	}, nil
}

func (g *Gateway) Name() string { return "gateway" }

func (g *Gateway) Push(ctx context.Context, deviceToken string, msg notify.PushMessage) error {
	body, err := json.Marshal(gatewayRequest{Message: gatewayMessage{
		Token:        deviceToken,
		Notification: gatewayContent{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
	}})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}
	return g.cb.Do(ctx, func(ctx context.Context) error {
		return g.post(ctx, body)
	})
}

func (g *Gateway) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("push gateway error: status %d, body: %s", resp.StatusCode, string(b))
	}
	return nil
}

// Log only writes the message to the log.
type Log struct {
	lg zerolog.Logger
}

func NewLog(lg zerolog.Logger) *Log {
	return &Log{lg: lg.With().Str("component", "push_log").Logger()}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Push(_ context.Context, deviceToken string, msg notify.PushMessage) error {
	l.lg.Info().Str("device_token", deviceToken).Str("title", msg.Title).Str("body", msg.Body).Msg("push")
	return nil
}
