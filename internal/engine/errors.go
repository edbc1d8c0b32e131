package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/stream"
)

// Ошибки построения job.
var (
	// ErrUnknownWorkflow — workflow не зарегистрирован.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrUnknownTask — задача не найдена в workflow.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateWorkflow — workflow с таким именем уже зарегистрирован.
	ErrDuplicateWorkflow = errors.New("duplicate workflow")

	// ErrDuplicateTask — задача с таким именем уже есть в workflow.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrInvalidInput — значение не приводится к объявленному типу.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDependencyCycle — зависимости задач образуют цикл.
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Ошибки валидации Task.
var (
	// ErrEmptyTaskName — задача без имени.
	ErrEmptyTaskName = errors.New("task has empty name")

	// ErrMissingBody — задача без тела.
	ErrMissingBody = errors.New("task has no body")

	// ErrDuplicateInput — несколько входов с одинаковым именем.
	ErrDuplicateInput = errors.New("duplicate input")

	// ErrUnknownInputType — неизвестный тип входа.
	ErrUnknownInputType = errors.New("unknown input type")

	// ErrInvalidDependency — зависимость без задачи и без resolver.
	ErrInvalidDependency = errors.New("invalid dependency")
)

// Ошибки выполнения job.
var (
	// ErrNotDone — результат запрошен у незавершённого job.
	ErrNotDone = errors.New("job is not done")

	// ErrBodyPanic — тело задачи запаниковало.
	ErrBodyPanic = errors.New("task body panicked")

	// ErrCleaned — живой результат job отброшен при очистке.
	ErrCleaned = errors.New("job cleaned")

	// ErrLost — внешняя отправка завершилась, а job так и не начался.
	ErrLost = errors.New("job lost before start")

	// errNotPending — job уже начат, метаданные не меняются.
	errNotPending = errors.New("job already started")
)

// SemanticError — ожидаемая ошибка задачи (неверные данные, отсутствующий
// файл и т.п.). Повторный запуск не поможет, поэтому она не recoverable.
type SemanticError struct {
	Message string
	Err     error
}

// Error реализует интерфейс error.
func (e *SemanticError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *SemanticError) Unwrap() error {
	return e.Err
}

// Fail создаёт SemanticError с сообщением.
func Fail(message string) error {
	return &SemanticError{Message: message}
}

// Failf создаёт SemanticError с форматированным сообщением.
// %w в формате оборачивает базовую ошибку.
func Failf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &SemanticError{Message: err.Error(), Err: errors.Unwrap(err)}
}

// JobError — ошибка job, восстановленная из метаданных.
//
// Сохраняет класс исходной ошибки, поэтому IsRecoverable работает
// одинаково для ошибки, пойманной в этом процессе, и для ошибки,
// записанной воркером в другом процессе.
type JobError struct {
	Job         domain.JobRef
	Status      domain.JobStatus
	Kind        domain.ExceptionKind
	Message     string
	Recoverable bool
}

// Error реализует интерфейс error.
func (e *JobError) Error() string {
	msg := fmt.Sprintf("job %s %s", e.Job, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Is сопоставляет отменённый job с context.Canceled.
func (e *JobError) Is(target error) bool {
	return e.Kind == domain.ExceptionCancelled && target == context.Canceled
}

// IsCancellation возвращает true для отмены: context.Canceled или abort потока.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrAborted)
}

// IsRecoverable возвращает true, если ошибка допускает автоматический повтор.
//
// Семантические ошибки и отмена не повторяются; всё остальное
// считается системным сбоем.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var je *JobError
	if errors.As(err, &je) {
		return je.Recoverable
	}

	var se *SemanticError
	if errors.As(err, &se) {
		return false
	}

	return !IsCancellation(err)
}

// exceptionFor сериализует ошибку для метаданных.
func exceptionFor(err error) *domain.Exception {
	exc := &domain.Exception{
		Kind:        domain.ExceptionSystem,
		Message:     err.Error(),
		Recoverable: IsRecoverable(err),
	}

	var je *JobError
	var se *SemanticError
	switch {
	case errors.As(err, &je):
		exc.Kind = je.Kind
	case errors.As(err, &se):
		exc.Kind = domain.ExceptionSemantic
	case IsCancellation(err):
		exc.Kind = domain.ExceptionCancelled
	}
	return exc
}

// errorFromInfo восстанавливает ошибку job из метаданных.
func errorFromInfo(ref domain.JobRef, info *domain.JobInfo) *JobError {
	je := &JobError{
		Job:    ref,
		Status: info.Status,
		Kind:   domain.ExceptionSystem,
	}
	if info.Exception != nil {
		je.Kind = info.Exception.Kind
		je.Message = info.Exception.Message
		je.Recoverable = info.Exception.Recoverable
	} else if info.Status == domain.StatusAborted {
		je.Kind = domain.ExceptionCancelled
	}
	return je
}
