// Package api содержит HTTP API orchestrator'а.
//
// Структура:
//   - handler.go          — Handler с DI (scheduler, fleet, notifier, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery, metrics)
//   - response.go         — унифицированные JSON-ответы и маппинг ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - task_handler.go     — обработчики для /tasks
//   - group_handler.go    — обработчики для /groups, включая long-poll dequeue
//   - schedule_handler.go — обработчики для /schedules
//   - fleet_handler.go    — обработчики для /fleet
//
// Все длительности в запросах и ответах передаются в миллисекундах.
package api
