package orchestrator

import "errors"

var (
	// ErrAlreadyStarted — повторный Start без Stop.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNoScheduler — Config.Scheduler не задан.
	ErrNoScheduler = errors.New("scheduler is required")

	// ErrNoSupervisor — FleetConfig.Supervisor не задан.
	ErrNoSupervisor = errors.New("supervisor is required")
)
