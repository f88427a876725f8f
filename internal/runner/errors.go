package runner

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotRunning — сервер больше не считает task выполняющимся
	// (отменён, истёк, завершён другим исполнителем).
	ErrTaskNotRunning = errors.New("task is not running")

	// ErrUnknownTask — нет executor'а для имени task.
	ErrUnknownTask = errors.New("no executor for task")

	// ErrEmptyPayload — executor требует payload.
	ErrEmptyPayload = errors.New("task payload is empty")
)

// PermanentError — ошибка, после которой повтор не поможет.
// Task завершается с retryable=false.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent помечает err как постоянную ошибку. nil остаётся nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf — Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent проверяет, помечена ли ошибка как постоянная.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
