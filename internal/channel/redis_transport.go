package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"wallhost/pkg/logger"
)

// RedisConfig describes a pair of pub/sub topics carrying one logical channel.
// The host listens on Inbound and publishes on Outbound; a front-end uses the
// mirrored configuration.
type RedisConfig struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Inbound  string `yaml:"inbound"`
	Outbound string `yaml:"outbound"`
}

// Mirror returns the configuration the opposite peer must use.
func (c RedisConfig) Mirror() RedisConfig {
	c.Inbound, c.Outbound = c.Outbound, c.Inbound
	return c
}

// RedisTransport carries frames over Redis pub/sub.
type RedisTransport struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	outbound string
	messages <-chan *redis.Message
	close    sync.Once
	log      *slog.Logger
}

// NewRedisTransport connects, subscribes to the inbound topic and waits for
// the subscription to be confirmed.
func NewRedisTransport(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address cannot be empty")
	}
	if cfg.Inbound == "" {
		cfg.Inbound = "wallhost:bus:host"
	}
	if cfg.Outbound == "" {
		cfg.Outbound = "wallhost:bus:client"
	}
	if cfg.Inbound == cfg.Outbound {
		return nil, fmt.Errorf("redis inbound and outbound topics must differ (%s)", cfg.Inbound)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	pubsub := client.Subscribe(ctx, cfg.Inbound)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("subscribe redis topic %s: %w", cfg.Inbound, err)
	}
	return &RedisTransport{
		client:   client,
		pubsub:   pubsub,
		outbound: cfg.Outbound,
		messages: pubsub.Channel(),
		log:      logger.Named("channel.redis"),
	}, nil
}

// Send publishes one frame on the outbound topic.
func (t *RedisTransport) Send(ctx context.Context, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.outbound, data).Err(); err != nil {
		return fmt.Errorf("publish redis frame: %w", err)
	}
	return nil
}

// Receive returns the next valid frame from the inbound topic.
func (t *RedisTransport) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case raw, ok := <-t.messages:
			if !ok {
				return Message{}, io.EOF
			}
			msg, err := DecodeMessage([]byte(raw.Payload))
			if err != nil {
				t.log.Warn("dropping malformed frame", slog.String("topic", raw.Channel), slog.Any("error", err))
				continue
			}
			return msg, nil
		}
	}
}

// Close unsubscribes and closes the client.
func (t *RedisTransport) Close() error {
	var err error
	t.close.Do(func() {
		err = errors.Join(t.pubsub.Close(), t.client.Close())
	})
	return err
}
