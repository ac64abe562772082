// Package eventbus provides an in-memory channelized notifier that capture
// buffers can subscribe to.
package eventbus

import (
	"context"

	"github.com/coachpo/eventtap/internal/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler is invoked for every event published on a subscribed channel.
type Handler func(*schema.Event)

// Bus delivers channelized events to registered handlers.
type Bus interface {
	Publish(ctx context.Context, evt *schema.Event) error
	Subscribe(channel schema.Channel, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	// Channels declares the notification channels the bus exposes.
	// Subscribing or publishing to an undeclared channel fails.
	Channels      []schema.Channel
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if len(c.Channels) == 0 {
		c.Channels = []schema.Channel{schema.ChannelTick, schema.ChannelTrade, schema.ChannelStatus}
	}
	normalized := make([]schema.Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		if n := ch.Normalize(); n != "" {
			normalized = append(normalized, n)
		}
	}
	c.Channels = normalized
	return c
}
