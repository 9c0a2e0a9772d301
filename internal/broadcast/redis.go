package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

// RedisBroadcaster fans messages out to every process subscribed to the same
// Redis channel.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewRedisBroadcaster creates a broadcaster on channel, or DefaultChannel
// when channel is empty.
func NewRedisBroadcaster(client *redis.Client, channel string, log *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RedisBroadcaster{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  log,
	}
}

// Publish sends msgType to the channel.
func (b *RedisBroadcaster) Publish(ctx context.Context, msgType string) error {
	data, err := json.Marshal(Message{Type: msgType, Origin: b.origin, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish broadcast: %w", err)
	}
	return nil
}

// Subscribe starts receiving messages from other processes. It returns once
// the subscription is confirmed by the server.
func (b *RedisBroadcaster) Subscribe(fn func(Message)) (func(), error) {
	ctx := context.Background()
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range pubsub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("discarding malformed broadcast",
					slog.String("channel", b.channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			if msg.Origin == b.origin {
				continue
			}
			fn(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}
