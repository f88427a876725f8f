// Package fleet управляет пулом runner-процессов (nodes).
//
// Fleet обслуживает запросы от runners и операторов: регистрация node,
// отчёт о простое, запрос на остановку, выкатка deployment, overrides.
//
// Supervisor раз в тик сравнивает желаемое состояние fleet с текущим
// и выполняет операции: создаёт и запускает nodes, проверяет их здоровье,
// заменяет устаревшие и останавливает лишние. Конкретный backend (k8s,
// knative, lambda, локальный процесс) скрыт за NodeProvider.
//
// Жизненный цикл node:
//
//	PENDING → STARTING → RUNNING → OUTDATED → FINISHING → IDLE → TERMINATED
//
// Из любого нефинального состояния node может уйти в ERROR.
package fleet
