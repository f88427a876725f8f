// Package scheduler реализует durable task engine.
//
// Scheduler — единственная точка входа для изменения tasks, schedules
// и concurrency groups. Каждая мутация выполняется в одной транзакции
// repo.Store, события о переходах рассылаются через EventBus только
// после коммита.
//
// Фоновые воркеры (запускаются через loop.Loop):
//   - ScheduleWorker — создаёт tasks из due schedules
//   - Monitor        — истекает, валит по таймауту и повторяет tasks
//   - Cleaner        — удаляет старые финальные tasks и schedules
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Store:  store,
//	    Logger: logger,
//	})
//
//	task, err := sched.Enqueue(ctx, scheduler.TaskProps{
//	    Name:     "sync:contacts",
//	    GroupKey: "connection:42",
//	})
//
// Несколько экземпляров воркеров безопасно работают параллельно:
// строки блокируются через FOR UPDATE SKIP LOCKED и NOWAIT.
package scheduler
