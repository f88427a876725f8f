package mq

import (
	"context"
	"fmt"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeTasks Exchange = "orchestrator.tasks"
	ExchangeDLQ   Exchange = "orchestrator.dlq"
)

const (
	QueueFleetWakeup     Queue = "fleet.wakeup"
	QueueSchedulerWakeup Queue = "scheduler.wakeup"
	QueueDLQ             Queue = "orchestrator.dlq"
)

// RoutingKeyDLQ — ключ, с которым сообщения уходят в DLQ.
const RoutingKeyDLQ RoutingKey = "dead"

// TaskRoutingKey возвращает routing key события перехода в state.
func TaskRoutingKey(state domain.TaskState) RoutingKey {
	return RoutingKey("task." + string(state))
}

type binding struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// bindings — привязки очередей пробуждения.
func bindings() []binding {
	out := []binding{
		{QueueFleetWakeup, TaskRoutingKey(domain.TaskStateCreated), ExchangeTasks},
		{QueueDLQ, RoutingKeyDLQ, ExchangeDLQ},
	}
	for _, state := range []domain.TaskState{
		domain.TaskStateSucceeded,
		domain.TaskStateFailed,
		domain.TaskStateExpired,
		domain.TaskStateCancelled,
	} {
		out = append(out, binding{QueueSchedulerWakeup, TaskRoutingKey(state), ExchangeTasks})
	}
	return out
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeTasks, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	// Очереди пробуждения живут недолго: пропущенный сигнал подберёт
	// следующий тик, поэтому старые сообщения не копятся.
	wakeupArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQ),
		"x-message-ttl":             int32(60_000),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueFleetWakeup, wakeupArgs},
		{QueueSchedulerWakeup, wakeupArgs},
		{QueueDLQ, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	for _, b := range bindings() {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}
