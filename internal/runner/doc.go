// Package runner выполняет tasks на node fleet.
//
// # Обзор
//
// Processor забирает tasks своей группы через long-poll dequeue,
// выполняет их через Executor и сообщает результат scheduler'у.
// Параллельно он:
//
//   - шлёт heartbeat для каждого выполняющегося task;
//   - периодически проверяет состояние tasks и отменяет те, что
//     стали терминальными на сервере (отмена, таймаут);
//   - сообщает fleet о простое, чтобы supervisor мог сократить fleet.
//
// Отмена кооперативная: каждый task выполняется со своим
// context.Context, который Processor отменяет. Отменённый task
// не отчитывается о результате.
//
// # Executors
//
// Registry выбирает Executor по имени task. HTTPExecutor доставляет
// payload на webhook; ответы 4xx считаются постоянной ошибкой
// (PermanentError), 5xx и сетевые ошибки — повторяемыми.
//
// # HTTP
//
// Server отдаёт /health для проверок supervisor'а и принимает
// POST /notifyWhenIdle: после него Processor перестаёт брать новые
// tasks и сообщает о простое, как только текущие завершатся.
package runner
