package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения. Для событий job совпадает с routing key.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobSucceeded MessageType = "job.succeeded"
	MessageTypeJobFailed    MessageType = "job.failed"
	MessageTypeJobRetrying  MessageType = "job.retrying"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
		now:    time.Now,
	}
}

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobEvent — событие жизненного цикла job.
type JobEvent struct {
	Type     MessageType `json:"-"`
	TenantID string      `json:"tenant_id"`
	JobID    string      `json:"job_id"`

	// RunID — последняя попытка, к которой относится событие.
	RunID   string `json:"run_id,omitempty"`
	Attempt int    `json:"attempt"`

	// Status — статус job после события.
	Status string `json:"status"`

	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`

	// RetryIn — задержка перед следующей попыткой (только job.retrying).
	RetryIn time.Duration `json:"retry_in_ns,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishJobEvent публикует событие job в statflow.jobs.
// Routing key равен типу события.
func (p *Publisher) PublishJobEvent(ctx context.Context, event JobEvent) error {
	msg, err := newJobEventMessage(event, p.now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeJobs, RoutingKey(event.Type), msg)
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: p.now().UTC(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}

func newJobEventMessage(event JobEvent, now time.Time) (*Message, error) {
	switch event.Type {
	case MessageTypeJobSucceeded, MessageTypeJobFailed, MessageTypeJobRetrying:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}
	if event.JobID == "" {
		return nil, fmt.Errorf("%w: job id is empty", ErrInvalidEvent)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      event.Type,
		Payload:   event,
		Timestamp: now.UTC(),
	}, nil
}
