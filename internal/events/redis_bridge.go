package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// channelPrefix namespaces the mirror channels: ws:<org>:<project>.
const channelPrefix = "ws:"

// RedisBridge mirrors bus events across instances through Redis pub/sub.
type RedisBridge struct {
	client *redis.Client
	bus    *Bus
	logger *zap.Logger
	sub    *redis.PubSub
}

// NewRedisBridge wires the bus to Redis and starts the receive loop.
// It subscribes with a pattern so every project channel is covered.
func NewRedisBridge(ctx context.Context, client *redis.Client, bus *Bus, logger *zap.Logger) (*RedisBridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &RedisBridge{
		client: client,
		bus:    bus,
		logger: logger,
	}
	b.sub = client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := b.sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe event mirror: %w", err)
	}
	bus.SetMirror(b)
	go b.run()
	return b, nil
}

// Broadcast publishes the event to its project channel.
func (b *RedisBridge) Broadcast(ctx context.Context, evt Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal mirror event: %w", err)
	}
	channel := fmt.Sprintf("%s%s:%s", channelPrefix, evt.OrgID, evt.ProjectID)
	if err := b.client.Publish(ctx, channel, raw).Err(); err != nil {
		return fmt.Errorf("publish mirror event: %w", err)
	}
	return nil
}

// Close tears down the subscription.
func (b *RedisBridge) Close() error {
	if err := b.sub.Close(); err != nil {
		return fmt.Errorf("close event mirror: %w", err)
	}
	return nil
}

// run delivers mirrored events to local subscribers. The bus discards
// events this instance originated, so nothing re-publishes.
func (b *RedisBridge) run() {
	for msg := range b.sub.Channel() {
		var evt Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			b.logger.Warn("discarding undecodable mirror event", zap.Error(err))
			continue
		}
		b.bus.DeliverRemote(evt)
	}
}
