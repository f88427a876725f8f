// Package orchestrator запускает фоновые процессы системы.
//
// Orchestrator владеет воркерами scheduler'а (scheduling, monitoring,
// cleanup), FleetRunner — циклом supervisor'а fleet. Оба работают
// по тикам loop.Loop и дополнительно просыпаются по событиям tasks:
// из RabbitMQ (очереди scheduler.wakeup и fleet.wakeup), если задано
// соединение, и из EventBus своего процесса.
package orchestrator
