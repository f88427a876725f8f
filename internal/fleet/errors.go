package fleet

import (
	"errors"

	"github.com/NangoHQ/nango-sub018/internal/repo"
)

var (
	// ErrNotFound — node или deployment не найдены.
	ErrNotFound = repo.ErrNotFound

	// ErrImageNotFound — образа нет в registry; deployment не создаётся.
	ErrImageNotFound = errors.New("image not found")

	// ErrNodeProvider — backend не смог запустить или остановить node.
	ErrNodeProvider = errors.New("node provider error")

	// ErrUnknownProvider — провайдер с таким именем не зарегистрирован.
	ErrUnknownProvider = errors.New("unknown node provider")

	// ErrNoActiveDeployment — ни один deployment не активен.
	ErrNoActiveDeployment = errors.New("no active deployment")

	// ErrInvalidArgument — некорректные параметры запроса.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidNodeState — операция не допустима в текущем состоянии node.
	ErrInvalidNodeState = errors.New("invalid node state")
)
