package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// WebhookNotifier posts operational alerts to a generic HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier.
// url: The HTTP endpoint to POST alerts to.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload := map[string]interface{}{
		"level":   string(alert.Level),
		"title":   alert.Title,
		"message": alert.Message,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	if alert.Operation != "" {
		payload["operation"] = alert.Operation
		payload["elapsed_ms"] = alert.ElapsedMs
		payload["budget_ms"] = alert.BudgetMs
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}

	log.Printf("[webhook] sent alert to %s: %s", w.url, alert.Title)
	return nil
}

// WebhookSender delivers signal messages by POSTing them to a single
// configured endpoint. The receiving side is expected to route on
// user_id. A 403 response maps to ErrUserBlocked, same as Telegram.
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender creates a webhook-backed sender.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookSender) Send(ctx context.Context, userID int64, message string) (time.Duration, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"user_id": userID,
		"message": message,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := w.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return elapsed, ErrUserBlocked
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return elapsed, fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return elapsed, nil
}
