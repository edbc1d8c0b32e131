package worker

import "errors"

// Ошибки воркера.
var (
	// ErrPathMismatch — job, восстановленный из заявки, имеет другой путь
	// результата (реестр воркера отличается от реестра отправителя).
	ErrPathMismatch = errors.New("submission path does not match rebuilt job")

	// ErrRootMismatch — корень результатов заявки не совпадает с корнем воркера.
	ErrRootMismatch = errors.New("submission root does not match worker root")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")
)
