package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker on top of a *redis.Client, following this
// codebase's thin-wrapper layering elsewhere: callers construct the Redis
// connection and hand it to New, receiving back a narrow interface scoped
// to what the runtime actually needs.
type RedisBroker struct {
	client *redis.Client
}

// New constructs a Broker backed by the given Redis client. The client's
// lifecycle (Close) remains owned by the caller.
func New(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Get returns the value for key, or ok=false if it does not exist.
func (b *RedisBroker) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set writes key=value with an optional TTL (zero means no expiry).
func (b *RedisBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// SetNX atomically creates key=value only if absent.
func (b *RedisBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, value, ttl).Result()
}

// Delete removes key.
func (b *RedisBroker) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// Expire sets a new TTL on an existing key.
func (b *RedisBroker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.client.Expire(ctx, key, ttl).Err()
}

// RPush appends value to the list at key, preserving arrival order.
func (b *RedisBroker) RPush(ctx context.Context, key string, value string) error {
	return b.client.RPush(ctx, key, value).Err()
}

// LRange returns list elements in [start, stop].
func (b *RedisBroker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return b.client.LRange(ctx, key, start, stop).Result()
}

// LLen returns the length of the list at key.
func (b *RedisBroker) LLen(ctx context.Context, key string) (int64, error) {
	return b.client.LLen(ctx, key).Result()
}

// Publish delivers message to all current subscribers of channel.
func (b *RedisBroker) Publish(ctx context.Context, channel, message string) error {
	return b.client.Publish(ctx, channel, message).Err()
}

// Subscribe opens a subscription to channel. Subscribers that join after a
// Publish call do not receive it; catch-up relies on List-based replay.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return &redisSubscription{pubsub: pubsub, ch: out}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSubscription) Channel() <-chan Message { return s.ch }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }
