package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"wallhost/pkg/logger"
)

// AMQPConfig describes a pair of queues carrying one logical channel.
type AMQPConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Inbound  string `yaml:"inbound"`
	Outbound string `yaml:"outbound"`
	Durable  bool   `yaml:"durable"`
}

// Mirror returns the configuration the opposite peer must use.
func (c AMQPConfig) Mirror() AMQPConfig {
	c.Inbound, c.Outbound = c.Outbound, c.Inbound
	return c
}

// AMQPTransport carries frames over two RabbitMQ queues. Each side is the
// only consumer of its inbound queue, so frames arrive in publish order.
type AMQPTransport struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	outbound   string
	deliveries <-chan amqp.Delivery
	close      sync.Once
	log        *slog.Logger
}

// NewAMQPTransport dials the broker and declares both queues.
func NewAMQPTransport(cfg AMQPConfig) (*AMQPTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url cannot be empty")
	}
	if cfg.Inbound == "" {
		cfg.Inbound = "wallhost.bus.host"
	}
	if cfg.Outbound == "" {
		cfg.Outbound = "wallhost.bus.client"
	}
	if cfg.Inbound == cfg.Outbound {
		return nil, fmt.Errorf("amqp inbound and outbound queues must differ (%s)", cfg.Inbound)
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	fail := func(err error, what string) (*AMQPTransport, error) {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	for _, queue := range []string{cfg.Inbound, cfg.Outbound} {
		if _, err := ch.QueueDeclare(queue, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
			return fail(err, "declare amqp queue "+queue)
		}
	}
	// Auto-acked and exclusive.
	deliveries, err := ch.Consume(cfg.Inbound, "", true, true, false, false, nil)
	if err != nil {
		return fail(err, "consume amqp queue "+cfg.Inbound)
	}
	return &AMQPTransport{
		conn:       conn,
		ch:         ch,
		outbound:   cfg.Outbound,
		deliveries: deliveries,
		log:        logger.Named("channel.amqp"),
	}, nil
}

// Send publishes one frame to the outbound queue.
func (t *AMQPTransport) Send(ctx context.Context, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return t.ch.PublishWithContext(ctx, "", t.outbound, false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        string(msg.Kind),
		Body:        data,
	})
}

// Receive returns the next valid frame from the inbound queue.
func (t *AMQPTransport) Receive(ctx context.Context) (Message, error) {
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case d, ok := <-t.deliveries:
			if !ok {
				return Message{}, io.EOF
			}
			msg, err := DecodeMessage(d.Body)
			if err != nil {
				t.log.Warn("dropping malformed frame", slog.String("queue", d.RoutingKey), slog.Any("error", err))
				continue
			}
			return msg, nil
		}
	}
}

// Close closes the channel and the connection.
func (t *AMQPTransport) Close() error {
	var err error
	t.close.Do(func() {
		err = errors.Join(t.ch.Close(), t.conn.Close())
	})
	return err
}
