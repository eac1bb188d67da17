package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// LogChannel writes alerts to the structured log. It never fails and is the
// default channel when no webhook is configured.
type LogChannel struct {
	Logger *slog.Logger
}

func (LogChannel) Name() string { return "log" }

func (c LogChannel) Send(_ context.Context, target string, msg Message, priority Priority) error {
	c.Logger.Info("notify: alert",
		"window_id", msg.WindowID,
		"tier", msg.Tier,
		"target", target,
		"priority", priority,
		"subject", msg.Subject,
	)
	return nil
}

// WebhookChannel POSTs alerts as JSON to an operator paging endpoint.
type WebhookChannel struct {
	name   string
	url    string
	secret string
	client *http.Client
}

// NewWebhookChannel returns a channel posting to url. When secret is set it
// is sent as a bearer token.
func NewWebhookChannel(name, url, secret string, timeout time.Duration) *WebhookChannel {
	if name == "" {
		name = "webhook"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookChannel{name: name, url: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

func (c *WebhookChannel) Name() string { return c.name }

type webhookPayload struct {
	Target   string   `json:"target"`
	Priority Priority `json:"priority"`
	Message  Message  `json:"message"`
}

func (c *WebhookChannel) Send(ctx context.Context, target string, msg Message, priority Priority) error {
	body, err := json.Marshal(webhookPayload{Target: target, Priority: priority, Message: msg})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", msg.WindowID, msg.Tier))
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook %s: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook %s: unexpected status %d", c.name, resp.StatusCode)
	}
	return nil
}
