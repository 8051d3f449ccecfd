package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jwalitptl/crm-outbound/pkg/circuitbreaker"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

type WhatsAppConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// WhatsAppSender talks to an HTTP WhatsApp gateway:
// POST {base}/messages {"to","type","text"|"media_url"} -> {"id"}.
type WhatsAppSender struct {
	cfg    WhatsAppConfig
	client *http.Client
	cb     *circuitbreaker.CircuitBreaker
}

type gatewayRequest struct {
	To       string `json:"to"`
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
}

type gatewayResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func NewWhatsAppSender(cfg WhatsAppConfig, log *logger.Logger) *WhatsAppSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhatsAppSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "whatsapp-gateway",
			MaxRequests: 5,
			Timeout:     30 * time.Second,
			OnStateChange: func(name, from, to string) {
				log.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
			},
		}),
	}
}

func (s *WhatsAppSender) Channel() string { return "whatsapp" }

func (s *WhatsAppSender) SendText(ctx context.Context, recipient, content string) (string, error) {
	return s.send(ctx, gatewayRequest{To: recipient, Type: "text", Text: content})
}

func (s *WhatsAppSender) SendImage(ctx context.Context, recipient, url string) (string, error) {
	return s.send(ctx, gatewayRequest{To: recipient, Type: "image", MediaURL: url})
}

func (s *WhatsAppSender) SendVideo(ctx context.Context, recipient, url string) (string, error) {
	return s.send(ctx, gatewayRequest{To: recipient, Type: "video", MediaURL: url})
}

func (s *WhatsAppSender) send(ctx context.Context, msg gatewayRequest) (string, error) {
	if msg.To == "" {
		return "", ErrNoAddress
	}
	var id string
	err := s.cb.Execute(func() error {
		var err error
		id, err = s.post(ctx, msg)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp %s to %s: %w", msg.Type, msg.To, err)
	}
	return id, nil
}

func (s *WhatsAppSender) post(ctx context.Context, msg gatewayRequest) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/messages", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out gatewayResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("gateway returned no message id: %s", out.Error)
	}
	return out.ID, nil
}
