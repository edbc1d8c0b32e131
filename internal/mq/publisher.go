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

// appID — идентификатор отправителя в свойствах сообщения.
const appID = "stepflow"

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobSubmitted MessageType = "job.submitted"
)

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым идентификатором.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// confirmTimeout — сколько ждать подтверждения брокера.
const confirmTimeout = 10 * time.Second

// Publisher публикует сообщения в RabbitMQ.
//
// Канал соединения работает в режиме publisher confirms: Publish
// возвращается только после ack брокера, иначе заявка считается
// неотправленной.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				AppId:        appID,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
		defer cancel()

		acked, err := confirm.WaitContext(waitCtx)
		if err != nil {
			return fmt.Errorf("await confirm for %s: %w", msg.ID, err)
		}
		if !acked {
			return fmt.Errorf("%w: %s", ErrNotConfirmed, msg.ID)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
			"delivery_tag", confirm.DeliveryTag,
		)
		return nil
	})
}

// PublishJSON публикует произвольный JSON payload и возвращает
// идентификатор сообщения.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) (string, error) {
	msg := NewMessage(msgType, payload)
	if err := p.Publish(ctx, exchange, routingKey, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}
