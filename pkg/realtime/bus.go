// Package realtime implements the authenticated WebSocket layer: a server
// helper with a post-connection authentication protocol, room-scoped and
// user-scoped fan-out, per-client outbound transform, and a pub/sub message
// bus that scales delivery across instances with serverId deduplication.
package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/ignis-framework/ignis/pkg/observability"
)

// Pub/sub channel prefixes. Subscribers use the matching pattern.
const (
	ChannelBroadcast    = "ws:broadcast"
	ChannelRoomPrefix   = "ws:room:"
	ChannelClientPrefix = "ws:client:"
	ChannelUserPrefix   = "ws:user:"
	channelPattern      = "ws:*"
)

// Message target types.
const (
	TargetClient    = "client"
	TargetUser      = "user"
	TargetRoom      = "room"
	TargetBroadcast = "broadcast"
)

// Message is the JSON payload carried on pub/sub channels. Messages
// originating from the receiving instance's own ServerID are dropped to
// prevent double delivery.
type Message struct {
	ServerID string      `json:"serverId"`
	Type     string      `json:"type"`
	Target   string      `json:"target,omitempty"`
	Event    string      `json:"event"`
	Data     interface{} `json:"data,omitempty"`
	Exclude  []string    `json:"exclude,omitempty"`
}

// Bus is the cross-instance fan-out capability. The concrete pub/sub store
// stays behind this interface.
type Bus interface {
	Publish(ctx context.Context, channel string, msg *Message) error
	// Start begins receiving; handler is invoked for every message on any
	// ws:* channel, including the instance's own publications.
	Start(ctx context.Context, handler func(channel string, msg *Message)) error
	Close() error
}

// RedisBus is the go-redis backed Bus. Publishing goes through a circuit
// breaker; the receive loop resubscribes with exponential backoff. The
// subscriber holds its own connection, publishing uses the pooled client,
// so the parent connection is never consumed by subscribe mode.
type RedisBus struct {
	client  *redis.Client
	logger  observability.Logger
	breaker *gobreaker.CircuitBreaker

	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBus creates a bus over an existing redis client.
func NewRedisBus(client *redis.Client, logger observability.Logger) *RedisBus {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "realtime-bus-publish",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &RedisBus{client: client, logger: logger, breaker: breaker}
}

// Publish sends a message on a channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, channel, payload).Err()
	})
	return err
}

// Start subscribes to the ws:* pattern and pumps messages to handler until
// Close or context cancellation.
func (b *RedisBus) Start(ctx context.Context, handler func(channel string, msg *Message)) error {
	ctx, b.cancel = context.WithCancel(ctx)
	b.pubsub = b.client.PSubscribe(ctx, channelPattern)

	// Force the subscription before returning so callers can rely on
	// delivery once Start succeeds.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return err
	}

	go b.receiveLoop(ctx, handler)
	return nil
}

func (b *RedisBus) receiveLoop(ctx context.Context, handler func(string, *Message)) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	for {
		raw, err := b.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			b.logger.Warn("bus receive failed, backing off", map[string]interface{}{
				"error": err.Error(),
				"wait":  wait.String(),
			})
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		policy.Reset()

		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			b.logger.Warn("bus message undecodable", map[string]interface{}{
				"channel": raw.Channel,
				"error":   err.Error(),
			})
			continue
		}
		handler(raw.Channel, &msg)
	}
}

// Close stops the receive loop and the subscriber connection.
func (b *RedisBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
