package events

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisBridge forwards bus notifications to a Redis pub/sub channel so
// consumers outside the process (strategy runners, UIs) can react without
// polling the HTTP API.
type RedisBridge struct {
	client  *redis.Client
	channel string
	stops   []func()
}

// NewRedisBridge connects to Redis and verifies the connection.
func NewRedisBridge(ctx context.Context, addr, channel string) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisBridge{client: client, channel: channel}, nil
}

// Attach subscribes to the given bus topics and republishes every
// notification as JSON.
func (rb *RedisBridge) Attach(ctx context.Context, bus *Bus, topics ...Event) {
	for _, topic := range topics {
		ch, unsub := bus.Subscribe(topic, 64)
		rb.stops = append(rb.stops, unsub)

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case n, ok := <-ch:
					if !ok {
						return
					}
					data, err := json.Marshal(n)
					if err != nil {
						continue
					}
					if err := rb.client.Publish(ctx, rb.channel, data).Err(); err != nil {
						log.Printf("redis publish failed: %v", err)
					}
				}
			}
		}()
	}
}

// Close detaches from the bus and closes the Redis connection.
func (rb *RedisBridge) Close() error {
	for _, stop := range rb.stops {
		stop()
	}
	return rb.client.Close()
}
