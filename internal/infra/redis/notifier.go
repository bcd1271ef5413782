package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
)

const stateChannel = "quiz:state-changes"

// Notifier publishes state changes on a Redis channel so every instance can relay
// them to its own websocket subscribers.
type Notifier struct {
	client *redis.Client
}

var _ app.Notifier = (*Notifier)(nil)

func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

func (n *Notifier) Publish(ctx context.Context, change domain.StateChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, stateChannel, payload).Err()
}

// Relay forwards changes from the Redis channel into a local notifier, usually an
// app.Broadcaster.
type Relay struct {
	client *redis.Client
	local  app.Notifier
	logger *slog.Logger
}

func NewRelay(client *redis.Client, local app.Notifier, logger *slog.Logger) *Relay {
	return &Relay{client: client, local: local, logger: logger.With("component", "state-relay")}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, stateChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", stateChannel, err)
	}
	r.logger.Info("state relay subscribed", "channel", stateChannel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change domain.StateChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				r.logger.Warn("malformed state change dropped", "error", err)
				continue
			}
			_ = r.local.Publish(ctx, change)
		}
	}
}
