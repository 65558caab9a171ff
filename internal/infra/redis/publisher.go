package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/txflow/internal/core/domain"
)

// Publisher fans coordination events out on a Redis pub/sub channel so other
// services can follow transaction progress. Implements emitter.Sink.
type Publisher struct {
	client  *Client
	channel string
}

// NewPublisher creates a Redis-backed event sink.
func NewPublisher(client *Client, channel string) *Publisher {
	if channel == "" {
		channel = "txflow:events"
	}
	return &Publisher{client: client, channel: channel}
}

// Emit publishes the event as JSON. Subscribers that are not listening at
// publish time miss the event; durable consumers should read storage instead.
func (p *Publisher) Emit(ctx context.Context, e *domain.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.client.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}
