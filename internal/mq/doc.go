// Package mq рассылает события tasks другим процессам через RabbitMQ.
//
// Структура:
//   - connection.go — соединение с reconnect и graceful shutdown
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация событий task.<state>
//   - consumer.go   — потребление очередей пробуждения
//
// Каждый переход task публикуется в topic exchange orchestrator.tasks
// с routing key task.<STATE>. Очереди пробуждения:
//   - fleet.wakeup     — task.CREATED; будит fleet supervisor
//   - scheduler.wakeup — финальные состояния; будит scheduling и monitor
//
// Сообщения несут только идентификаторы: источник правды — Store.
package mq
