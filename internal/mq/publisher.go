package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения, совпадает с routing key.
type MessageType string

// Message — конверт сообщения.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskEvent — payload события перехода task.
type TaskEvent struct {
	TaskID     uuid.UUID        `json:"task_id"`
	Name       string           `json:"name"`
	GroupKey   string           `json:"group_key"`
	State      domain.TaskState `json:"state"`
	RetryKey   string           `json:"retry_key"`
	RetryCount int              `json:"retry_count"`
	ScheduleID *uuid.UUID       `json:"schedule_id,omitempty"`
	ErrorType  string           `json:"error_type,omitempty"`
	At         time.Time        `json:"at"`
}

// NewTaskEvent строит событие из task.
func NewTaskEvent(t domain.Task) TaskEvent {
	ev := TaskEvent{
		TaskID:     t.ID,
		Name:       t.Name,
		GroupKey:   t.GroupKey,
		State:      t.State,
		RetryKey:   t.RetryKey,
		RetryCount: t.RetryCount,
		ScheduleID: t.ScheduleID,
		At:         t.LastStateTransitionAt,
	}
	if t.Error != nil {
		ev.ErrorType = t.Error.Type
	}
	return ev
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// NewMessage упаковывает payload в конверт.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false, // mandatory
			false, // immediate
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
		)
		return nil
	})
}

// PublishTaskEvent публикует переход task в orchestrator.tasks
// с routing key task.<STATE>.
func (p *Publisher) PublishTaskEvent(ctx context.Context, t domain.Task) error {
	key := TaskRoutingKey(t.State)
	msg, err := NewMessage(MessageType(key), NewTaskEvent(t))
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeTasks, key, msg)
}

// TaskListener возвращает listener для EventBus.
func (p *Publisher) TaskListener() func(ctx context.Context, t domain.Task) error {
	return p.PublishTaskEvent
}
