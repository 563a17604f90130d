package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	eventsExchange   = "engine.events"
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
)

// Broker manages RabbitMQ connectivity and topology for event publishing.
type Broker struct {
	url string

	mu          sync.RWMutex
	reconnectMu sync.Mutex
	conn        *amqp.Connection
}

func NewBroker(url string) (*Broker, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	b := &Broker{url: url}
	if _, err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connect() (*amqp.Connection, error) {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare events exchange: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return conn, nil
}

// channel returns a fresh channel, reconnecting with backoff when the
// connection has dropped.
func (b *Broker) channel(ctx context.Context) (*amqp.Channel, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Channel()
	}

	b.reconnectMu.Lock()
	defer b.reconnectMu.Unlock()

	b.mu.RLock()
	conn = b.conn
	b.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		return conn.Channel()
	}

	backoff := reconnectBackoff
	for {
		conn, err := b.connect()
		if err == nil {
			return conn.Channel()
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

// RabbitEmitter publishes batch events to the events exchange with routing
// key batch.<tenant>.<type>, so consumers can bind per tenant or per event
// type. It is an alternative transport to ChannelEmitter, not a replacement:
// the orchestrator accepts any Emitter.
type RabbitEmitter struct {
	broker *Broker
	logger *zap.Logger
}

func NewRabbitEmitter(broker *Broker, logger *zap.Logger) (*RabbitEmitter, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RabbitEmitter{broker: broker, logger: logger}, nil
}

func (e *RabbitEmitter) Emit(ctx context.Context, event Event) error {
	if e == nil || e.broker == nil {
		return fmt.Errorf("emitter is not initialized")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ch, err := e.broker.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	routingKey := fmt.Sprintf("batch.%s.%s", event.TenantID, event.Type)
	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Transient,
		Timestamp:     time.Now().UTC(),
		MessageId:     event.BatchID,
		CorrelationId: event.BatchID,
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, eventsExchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish event %q: %w", event.Type, err)
	}
	return nil
}
