package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/couture-edu/couture/internal/metrics"
)

// RabbitMQ publishes persistent JSON messages on a topic exchange.
type RabbitMQ struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitMQ dials url and declares the exchange. An empty url yields a
// Nop publisher.
func NewRabbitMQ(url string) (Publisher, error) {
	if url == "" {
		slog.Debug("event publishing disabled: no AMQP URL configured")
		return Nop{}, nil
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	slog.Info("event publisher connected", "exchange", Exchange)
	return &RabbitMQ{conn: conn, channel: ch, exchange: Exchange}, nil
}

func (p *RabbitMQ) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(Envelope{Type: routingKey, OccurredAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", routingKey, err)
	}

	p.mu.Lock()
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	p.mu.Unlock()

	if err != nil {
		metrics.EventsPublished.WithLabelValues(routingKey, "error").Inc()
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	metrics.EventsPublished.WithLabelValues(routingKey, "ok").Inc()
	slog.Debug("event published", "routing_key", routingKey)
	return nil
}

func (p *RabbitMQ) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
