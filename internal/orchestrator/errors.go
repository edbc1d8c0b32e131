package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrNoWork — нет ни кандидатов, ни занятых ресурсов, а незавершённые
	// batch остались (например, цикл между batch).
	ErrNoWork = errors.New("no work")

	// ErrCyclicDependency — цикл в графе нагрузки.
	ErrCyclicDependency = errors.New("cyclic dependency in workload")

	// ErrExceedsCapacity — batch запрашивает больше ресурса, чем есть.
	ErrExceedsCapacity = errors.New("batch exceeds resource capacity")

	// ErrNoSeeds — ProcessJobs вызван без job.
	ErrNoSeeds = errors.New("no jobs to process")

	// ErrLostJob — локальный запуск завершился, а job не в финальном статусе.
	ErrLostJob = errors.New("job finished without final status")
)
