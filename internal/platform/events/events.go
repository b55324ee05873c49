// Package events publishes stream lifecycle notifications for other services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Type names a lifecycle transition.
type Type string

const (
	StreamStarted     Type = "stream.started"
	StreamStopped     Type = "stream.stopped"
	StreamStartFailed Type = "stream.start_failed"
)

// DefaultChannel is used when no channel is configured.
const DefaultChannel = "stream-events"

// Event is the JSON payload published for every transition.
type Event struct {
	Type     Type      `json:"type"`
	StreamID string    `json:"streamId"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher delivers events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                          { return nil }

// RedisConfig configures the redis publisher.
type RedisConfig struct {
	Addr     string
	Password string
	Channel  string
	Timeout  time.Duration
}

// RedisPublisher sends events with PUBLISH on a single channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisPublisher builds a publisher. It does not dial until the first publish.
func NewRedisPublisher(cfg RedisConfig) *RedisPublisher {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &RedisPublisher{client: client, channel: channel, timeout: timeout}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
