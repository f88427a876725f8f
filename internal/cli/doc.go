// Package cli реализует инструмент командной строки orchestrator'а.
//
// CLI работает с orchestrator API по HTTP через internal/client и
// управляет tasks, groups, schedules и fleet.
//
// Вывод поддерживает два режима:
//   - таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr,
// поэтому вывод можно передавать дальше: orchestrator task list --json | jq .
//
// Команды сгруппированы по ресурсам:
//   - task: enqueue, list, show, cancel
//   - group: show, set-concurrency
//   - schedule: list, create, show, update, delete, pause, resume
//   - fleet: nodes, node, deploy, deployments, terminate, override
//
// Каждая группа создаётся фабрикой (NewTaskCmd и т.д.), принимающей
// clientFn и outputFn — замыкания, которые создают Client и Output
// после разбора PersistentFlags.
package cli
