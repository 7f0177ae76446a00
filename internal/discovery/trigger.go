// Package discovery hands plugin versions to the external manifest discovery
// pipeline. The pipeline consumes a Redis list: each element is a small JSON
// document naming one plugin version to introspect, and the worker deposits
// the resulting manifest (or an error marker) in blob storage.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/napari-hub/hub-backend/internal/config"
	"github.com/napari-hub/hub-backend/internal/safego"
)

const triggerTimeout = 10 * time.Second

// TriggerRequest is the queue element the discovery worker consumes.
type TriggerRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// queueClient is the slice of the Redis client the trigger uses.
type queueClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// Trigger enqueues manifest discovery requests.
type Trigger struct {
	client queueClient
	queue  string
	logger *slog.Logger
}

// NewTrigger creates a trigger over the configured Redis queue.
func NewTrigger(cfg *config.RedisConfig) *Trigger {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Trigger{
		client: client,
		queue:  cfg.TriggerQueue,
		logger: slog.Default().With("component", "discovery"),
	}
}

// Request pushes one discovery request onto the queue.
func (t *Trigger) Request(ctx context.Context, name, version string) error {
	payload, err := json.Marshal(TriggerRequest{Name: name, Version: version})
	if err != nil {
		return fmt.Errorf("failed to encode trigger request: %w", err)
	}
	if err := t.client.LPush(ctx, t.queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue discovery for %s %s: %w", name, version, err)
	}
	return nil
}

// RequestAsync pushes a discovery request without blocking the caller. The
// update job uses this so a slow or down queue never stalls an update cycle;
// a failed push is only logged, and the missing manifest is re-requested on
// the next cycle.
func (t *Trigger) RequestAsync(name, version string) {
	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()
		if err := t.Request(ctx, name, version); err != nil {
			t.logger.Warn("manifest discovery trigger failed",
				"plugin", name, "version", version, "error", err)
		}
	})
}

// Close releases the Redis connection.
func (t *Trigger) Close() error {
	return t.client.Close()
}
