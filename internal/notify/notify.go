// Package notify delivers plugin change events to a configured webhook.
// Delivery is best effort: a failed POST is logged and dropped, never
// retried, and never fails the update cycle that produced the event.
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

	"github.com/google/uuid"

	"github.com/napari-hub/hub-backend/internal/config"
	"github.com/napari-hub/hub-backend/internal/telemetry"
)

// Kind classifies a plugin change event.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindRemoved Kind = "removed"
	KindBlocked Kind = "blocked"
)

// Event is the JSON document posted to the webhook.
type Event struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Plugin       string    `json:"plugin"`
	Version      string    `json:"version,omitempty"`
	ReleaseNotes string    `json:"release_notes,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier delivers plugin change events.
type Notifier interface {
	Notify(ctx context.Context, kind Kind, plugin, version, releaseNotes string)
}

// New returns a webhook notifier, or a no-op notifier when delivery is
// disabled in configuration.
func New(cfg *config.NotificationsConfig) Notifier {
	if !cfg.Enabled || cfg.WebhookURL == "" {
		return &nopNotifier{logger: slog.Default().With("component", "notify")}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.WebhookURL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		logger:  slog.Default().With("component", "notify"),
	}
}

// WebhookNotifier posts one JSON document per event to a fixed URL.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// Notify posts the event. Failures are logged; an event is counted as sent
// only when the webhook acknowledged it.
func (n *WebhookNotifier) Notify(ctx context.Context, kind Kind, plugin, version, releaseNotes string) {
	event := Event{
		ID:           uuid.New().String(),
		Kind:         kind,
		Plugin:       plugin,
		Version:      version,
		ReleaseNotes: releaseNotes,
		Timestamp:    time.Now().UTC(),
	}

	if err := n.post(ctx, event); err != nil {
		n.logger.Warn("webhook delivery failed",
			"kind", kind, "plugin", plugin, "version", version, "error", err)
		return
	}
	telemetry.NotificationsSentTotal.WithLabelValues(string(kind)).Inc()
	n.logger.Info("plugin change notification delivered",
		"kind", kind, "plugin", plugin, "version", version)
}

func (n *WebhookNotifier) post(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// nopNotifier logs events instead of delivering them.
type nopNotifier struct {
	logger *slog.Logger
}

func (n *nopNotifier) Notify(_ context.Context, kind Kind, plugin, version, _ string) {
	n.logger.Debug("notification suppressed, delivery disabled",
		"kind", kind, "plugin", plugin, "version", version)
}
