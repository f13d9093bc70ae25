package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
)

// RedisNotifier publishes lifecycle events to a redis channel. Downstream
// consumers (dashboards, chat bridges) subscribe on their own.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(addr string, password string, db int, channel string) *RedisNotifier {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if channel == "" {
		channel = "phonestock.events"
	}

	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

func (n *RedisNotifier) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}
