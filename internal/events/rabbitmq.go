package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	statusExchangeName = "notify.status"
	reconnectBackoff   = time.Second
	maxBackoff         = 30 * time.Second
)

// RabbitMQPublisher publishes status events to a topic exchange, managing
// connectivity and topology declaration.
type RabbitMQPublisher struct {
	url string

	mu          sync.RWMutex
	reconnectMu sync.Mutex
	conn        *amqp.Connection
}

func NewRabbitMQPublisher(url string) (*RabbitMQPublisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	p := &RabbitMQPublisher{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event StatusEvent) error {
	if p == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid status event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    event.NotificationID,
		Body:         payload,
	}

	if err := ch.PublishWithContext(ctx, statusExchangeName, event.RoutingKey(), false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	return conn.Close()
}

func (p *RabbitMQPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	if err := p.ensureConnected(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		if err := p.ensureConnected(ctx); err != nil {
			return nil, err
		}
		p.mu.RLock()
		conn = p.conn
		p.mu.RUnlock()
	}

	ch, err := conn.Channel()
	if err != nil {
		if errReconnect := p.reconnectWithBackoff(ctx); errReconnect != nil {
			return nil, errReconnect
		}

		p.mu.RLock()
		conn = p.conn
		p.mu.RUnlock()

		ch, err = conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq channel after reconnect: %w", err)
		}
	}

	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return ch, nil
}

func (p *RabbitMQPublisher) ensureConnected(ctx context.Context) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn != nil && !conn.IsClosed() {
		return nil
	}

	return p.reconnectWithBackoff(ctx)
}

func (p *RabbitMQPublisher) reconnectWithBackoff(ctx context.Context) error {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		return nil
	}

	wait := reconnectBackoff
	for {
		newConn, err := amqp.Dial(p.url)
		if err == nil {
			p.mu.Lock()
			oldConn := p.conn
			p.conn = newConn
			p.mu.Unlock()

			if oldConn != nil && !oldConn.IsClosed() {
				_ = oldConn.Close()
			}

			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rabbitmq reconnect canceled: %w", ctx.Err())
		case <-time.After(wait):
		}

		wait *= 2
		if wait > maxBackoff {
			wait = maxBackoff
		}
	}
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		statusExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare status exchange: %w", err)
	}
	return nil
}
