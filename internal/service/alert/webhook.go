// Package alert delivers operational alerts to a configured webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WebhookNotifier posts JSON alert payloads to a webhook URL. Delivery is
// best effort: failures are logged, never propagated, so an unreachable
// webhook cannot stall the pipeline.
type WebhookNotifier struct {
	url string
	hc  *http.Client
}

// NewWebhookNotifier constructs a notifier. An empty URL yields a notifier
// that only logs.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url: url,
		hc:  &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type alertPayload struct {
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	SentAt  string            `json:"sent_at"`
}

// Notify sends the alert. Implements domain.AlertNotifier.
func (n *WebhookNotifier) Notify(ctx context.Context, title, message string, fields map[string]string) {
	slog.Warn("alert", slog.String("title", title), slog.String("message", message), slog.Any("fields", fields))
	if n == nil || n.url == "" {
		return
	}
	body, err := json.Marshal(alertPayload{
		Title:   title,
		Message: message,
		Fields:  fields,
		SentAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		slog.Error("alert webhook request build failed", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.hc.Do(req)
	if err != nil {
		slog.Error("alert webhook delivery failed", slog.Any("error", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		slog.Error("alert webhook rejected", slog.Int("status", resp.StatusCode))
	}
}
