package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Message is an admin notification.
type Message struct {
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	Scope   string   `json:"scope"`
	Urgency string   `json:"urgency,omitempty"`
	To      []string `json:"to,omitempty"`
}

// Notifier delivers admin notifications. Delivery is best effort; callers
// log failures and carry on.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes notifications to the log. It is the default sink when no
// webhook is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Send(ctx context.Context, msg Message) error {
	if n.Log == nil {
		return nil
	}
	n.Log.Info("notification", "scope", msg.Scope, "subject", msg.Subject, "to", msg.To)
	return nil
}

// WebhookNotifier posts notifications as JSON to a configured endpoint.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	if n.URL == "" || n.Client == nil {
		return fmt.Errorf("webhook notifier misconfigured")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify endpoint returned %s", resp.Status)
	}
	return nil
}
