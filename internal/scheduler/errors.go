package scheduler

import (
	"errors"

	"github.com/NangoHQ/nango-sub018/internal/domain"
	"github.com/NangoHQ/nango-sub018/internal/repo"
)

// Ошибки scheduler'а. Часть из них — алиасы ошибок repo и domain,
// чтобы вызывающий код проверял errors.Is только по этому пакету.
var (
	// ErrNotFound — task, schedule или группа не найдены.
	ErrNotFound = repo.ErrNotFound

	// ErrAlreadyExists — schedule с таким именем уже существует.
	ErrAlreadyExists = repo.ErrAlreadyExists

	// ErrConflict — строка task заблокирована другой транзакцией.
	// Вызывающий перечитывает task и повторяет операцию.
	ErrConflict = repo.ErrConflict

	// ErrInvalidStateTransition — переход не разрешён state machine.
	ErrInvalidStateTransition = domain.ErrInvalidTransition

	// ErrAdmissionDenied — группа исчерпала max_concurrency.
	ErrAdmissionDenied = errors.New("admission denied: group concurrency limit reached")

	// ErrInvalidFrequency — frequency schedule не распознана.
	ErrInvalidFrequency = errors.New("invalid frequency")

	// ErrInvalidArgument — некорректные параметры запроса.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCleanupBudgetExceeded — тик очистки не уложился в бюджет времени.
	// Оставшаяся работа выполнится на следующем тике.
	ErrCleanupBudgetExceeded = errors.New("cleanup time budget exceeded")
)
