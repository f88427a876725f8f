package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition — переход между состояниями запрещён state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

func transitionError(kind string, from, to string) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
}
