// Package client — HTTP-клиент orchestrator API.
//
// Используется runner'ом (dequeue, heartbeat, отчёты о завершении,
// регистрация в fleet) и CLI. Ответы API разбираются в DTO пакета api;
// ошибки API возвращаются как *APIError и сопоставляются с sentinel
// ошибками пакета через errors.Is:
//
//	tasks, err := c.Dequeue(ctx, "acme", 5, 10*time.Second)
//	if errors.Is(err, client.ErrNotFound) { ... }
package client
