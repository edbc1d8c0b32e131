package domain

// JobStatus — статус выполнения job.
//
// Жизненный цикл:
//
//	WAITING → RUNNING → DONE
//	                  ↘ ERROR
//	                  ↘ ABORTED
//	        (или) → STREAMING → DONE / ERROR / ABORTED
//
// STREAMING — производный статус: результат job — живой поток,
// который ещё не дочитан и не присоединён (join).
type JobStatus string

const (
	// StatusWaiting — job построен, но ещё не запускался (или очищен).
	StatusWaiting JobStatus = "waiting"

	// StatusRunning — тело задачи выполняется.
	StatusRunning JobStatus = "running"

	// StatusStreaming — тело вернуло поток, поток ещё не завершён.
	StatusStreaming JobStatus = "streaming"

	// StatusDone — job успешно завершён, результат сохранён.
	StatusDone JobStatus = "done"

	// StatusError — job завершился с ошибкой.
	StatusError JobStatus = "error"

	// StatusAborted — job прерван (отмена, abort потока, падение зависимого).
	StatusAborted JobStatus = "aborted"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusAborted:
		return true
	default:
		return false
	}
}

// IsFailed возвращает true для ERROR и ABORTED.
func (s JobStatus) IsFailed() bool {
	return s == StatusError || s == StatusAborted
}

// IsActive возвращает true, если job в процессе (RUNNING или STREAMING).
func (s JobStatus) IsActive() bool {
	return s == StatusRunning || s == StatusStreaming
}

// String возвращает строковое представление JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// ParseJobStatus парсит строку в JobStatus.
// Неизвестные значения трактуются как WAITING.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "running":
		return StatusRunning
	case "streaming":
		return StatusStreaming
	case "done":
		return StatusDone
	case "error":
		return StatusError
	case "aborted":
		return StatusAborted
	default:
		return StatusWaiting
	}
}

// ExceptionKind — класс ошибки, сохранённой в метаданных job.
type ExceptionKind string

const (
	// ExceptionSemantic — ожидаемая (смысловая) ошибка, повтор не имеет смысла.
	ExceptionSemantic ExceptionKind = "semantic"

	// ExceptionSystem — неожиданная (системная) ошибка, допускает один повтор.
	ExceptionSystem ExceptionKind = "system"

	// ExceptionCancelled — отмена извне, никогда не повторяется.
	ExceptionCancelled ExceptionKind = "cancelled"
)
