// Package webhook delivers session lifecycle notifications to a
// user-configured HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/goosewin/gralph-sub000/internal/logging"
)

// Payload is the JSON body posted to the webhook URL when a session
// reaches a terminal status.
type Payload struct {
	DeliveryID     string    `json:"delivery_id"`
	Event          string    `json:"event"`
	Session        string    `json:"session"`
	Status         string    `json:"status"`
	Iteration      int       `json:"iteration"`
	MaxIterations  int       `json:"max_iterations"`
	RemainingTasks int       `json:"remaining_tasks"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notifier posts payloads to a single webhook URL. A zero URL disables
// delivery entirely.
type Notifier struct {
	url    string
	client *http.Client
	log    *logging.Logger
}

// New returns a Notifier for url. An empty url yields a no-op notifier.
func New(url string) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logging.With("component", "webhook"),
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

// Notify posts the payload, stamping a fresh delivery ID and timestamp.
// Delivery failures are logged and returned but callers treat them as
// non-fatal: a dead webhook must never fail a session.
func (n *Notifier) Notify(ctx context.Context, p Payload) error {
	if !n.Enabled() {
		return nil
	}

	p.DeliveryID = uuid.NewString()
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gralph-Delivery", p.DeliveryID)

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("webhook delivery failed", "url", n.url, "err", err)
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.log.Warn("webhook rejected", "url", n.url, "status", resp.StatusCode)
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
