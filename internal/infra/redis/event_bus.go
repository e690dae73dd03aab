package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"quiz-attempt-service/internal/domain"
	"quiz-attempt-service/internal/logger"
)

// Broadcaster delivers an event to local subscribers (app.Feed).
type Broadcaster interface {
	Broadcast(ev domain.AttemptEvent)
}

// EventBus relays attempt events between service instances over Redis pub/sub
// so a live session sees finalizations made by any instance.
type EventBus struct {
	client  *redis.Client
	channel string
	local   Broadcaster
	log     *logger.Logger
}

func NewEventBus(client *redis.Client, channel string, local Broadcaster, log *logger.Logger) *EventBus {
	if channel == "" {
		channel = "attempt-events"
	}
	return &EventBus{
		client:  client,
		channel: channel,
		local:   local,
		log:     logger.OrNop(log).With("component", "EventBus"),
	}
}

// Publish implements app.EventPublisher.
func (b *EventBus) Publish(ctx context.Context, ev domain.AttemptEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Run forwards every event on the channel to the local broadcaster until ctx
// is canceled.
func (b *EventBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// wait for the subscription confirmation before reading messages
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	b.log.Info("event bus subscribed", "channel", b.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var ev domain.AttemptEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("dropping malformed event", "error", err)
				continue
			}
			b.local.Broadcast(ev)
		}
	}
}
