package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "wayfare:events:"

// RedisPublisher publishes events on a per-user Redis channel so every API
// instance can deliver them to its own subscribers. Run forwards received
// events into a local Hub.
type RedisPublisher struct {
	client *redis.Client
	hub    *Hub
	logger *slog.Logger
}

// NewRedisPublisher creates a RedisPublisher delivering into hub.
func NewRedisPublisher(client *redis.Client, hub *Hub, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{client: client, hub: hub, logger: logger}
}

// Channel returns the Redis channel for a user.
func Channel(userID string) string {
	return redisChannelPrefix + userID
}

// Publish sends the event to Redis. If Redis is unreachable it falls back
// to local delivery so single-instance subscribers still see it.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal event", slog.String("error", err.Error()))
		return
	}
	if err := p.client.Publish(ctx, Channel(event.UserID), data).Err(); err != nil {
		p.logger.Warn("failed to publish event to redis, delivering locally",
			slog.String("error", err.Error()),
			slog.String("user_id", event.UserID))
		p.hub.Deliver(event)
	}
}

// Run subscribes to all user channels and delivers into the hub until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) error {
	sub := p.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				p.logger.Warn("discarding malformed event",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()))
				continue
			}
			if event.UserID == "" {
				event.UserID = strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			}
			p.hub.Deliver(event)
		}
	}
}
