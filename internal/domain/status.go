package domain

// TaskState — состояние task.
//
// Жизненный цикл:
//
//	CREATED → STARTED → SUCCEEDED
//	        ↘         ↘ FAILED
//	         EXPIRED   (или) → CANCELLED (из CREATED или STARTED)
//
// Retry никогда не возвращает task в CREATED: создаётся новый task
// с тем же retry_key.
type TaskState string

const (
	// TaskStateCreated — task создан и ждёт, пока его заберёт runner.
	TaskStateCreated TaskState = "CREATED"

	// TaskStateStarted — task выполняется runner'ом.
	TaskStateStarted TaskState = "STARTED"

	// TaskStateSucceeded — task успешно завершён.
	TaskStateSucceeded TaskState = "SUCCEEDED"

	// TaskStateFailed — task завершился с ошибкой.
	TaskStateFailed TaskState = "FAILED"

	// TaskStateExpired — никто не забрал task вовремя.
	TaskStateExpired TaskState = "EXPIRED"

	// TaskStateCancelled — task отменён.
	TaskStateCancelled TaskState = "CANCELLED"
)

// TaskStates — все состояния в порядке жизненного цикла.
var TaskStates = []TaskState{
	TaskStateCreated,
	TaskStateStarted,
	TaskStateSucceeded,
	TaskStateFailed,
	TaskStateExpired,
	TaskStateCancelled,
}

var validTaskTransitions = map[TaskState][]TaskState{
	TaskStateCreated: {TaskStateStarted, TaskStateExpired, TaskStateCancelled},
	TaskStateStarted: {TaskStateSucceeded, TaskStateFailed, TaskStateCancelled},
}

// IsTerminal возвращает true, если состояние финальное.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateExpired, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет, допустим ли переход s → to.
func (s TaskState) CanTransitionTo(to TaskState) bool {
	for _, next := range validTaskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid проверяет, что строка — известное состояние.
func (s TaskState) IsValid() bool {
	for _, st := range TaskStates {
		if st == s {
			return true
		}
	}
	return false
}

// ScheduleState — состояние schedule.
//
//	STARTED ⇄ PAUSED
//	   ↘        ↙
//	    DELETED
type ScheduleState string

const (
	ScheduleStateStarted ScheduleState = "STARTED"
	ScheduleStatePaused  ScheduleState = "PAUSED"
	ScheduleStateDeleted ScheduleState = "DELETED"
)

var validScheduleTransitions = map[ScheduleState][]ScheduleState{
	ScheduleStateStarted: {ScheduleStatePaused, ScheduleStateDeleted},
	ScheduleStatePaused:  {ScheduleStateStarted, ScheduleStateDeleted},
}

// CanTransitionTo проверяет, допустим ли переход s → to.
func (s ScheduleState) CanTransitionTo(to ScheduleState) bool {
	for _, next := range validScheduleTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// NodeState — состояние node во fleet.
//
// Жизненный цикл:
//
//	PENDING → STARTING → RUNNING → OUTDATED → FINISHING → IDLE → TERMINATED
//	                        ↑ ↓                              ↑
//	                        IDLE ────────────────────────────┘
//
// Из любого нефинального состояния возможен переход в ERROR.
// TERMINATED и ERROR — финальные.
type NodeState string

const (
	// NodeStatePending — node записан в registry, провайдер ещё не вызывался.
	NodeStatePending NodeState = "PENDING"

	// NodeStateStarting — провайдер запустил node, ждём регистрации и health check.
	NodeStateStarting NodeState = "STARTING"

	// NodeStateRunning — node принимает работу.
	NodeStateRunning NodeState = "RUNNING"

	// NodeStateOutdated — node работает на старой конфигурации и ждёт замены.
	NodeStateOutdated NodeState = "OUTDATED"

	// NodeStateFinishing — node дорабатывает текущие tasks перед остановкой.
	NodeStateFinishing NodeState = "FINISHING"

	// NodeStateIdle — node без работы; может быть разбужен или остановлен.
	NodeStateIdle NodeState = "IDLE"

	// NodeStateTerminated — node остановлен провайдером.
	NodeStateTerminated NodeState = "TERMINATED"

	// NodeStateError — node сломан и будет заменён.
	NodeStateError NodeState = "ERROR"
)

// NodeStates — все состояния node.
var NodeStates = []NodeState{
	NodeStatePending,
	NodeStateStarting,
	NodeStateRunning,
	NodeStateOutdated,
	NodeStateFinishing,
	NodeStateIdle,
	NodeStateTerminated,
	NodeStateError,
}

var validNodeTransitions = map[NodeState][]NodeState{
	NodeStatePending:   {NodeStateStarting, NodeStateError},
	NodeStateStarting:  {NodeStateRunning, NodeStateError},
	NodeStateRunning:   {NodeStateOutdated, NodeStateIdle, NodeStateError},
	NodeStateOutdated:  {NodeStateFinishing, NodeStateError},
	NodeStateFinishing: {NodeStateIdle, NodeStateError},
	NodeStateIdle:      {NodeStateRunning, NodeStateTerminated, NodeStateError},
}

// IsFinal возвращает true для TERMINATED и ERROR.
func (s NodeState) IsFinal() bool {
	return s == NodeStateTerminated || s == NodeStateError
}

// CanTransitionTo проверяет, допустим ли переход s → to.
func (s NodeState) CanTransitionTo(to NodeState) bool {
	for _, next := range validNodeTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValid проверяет, что строка — известное состояние node.
func (s NodeState) IsValid() bool {
	for _, st := range NodeStates {
		if st == s {
			return true
		}
	}
	return false
}
