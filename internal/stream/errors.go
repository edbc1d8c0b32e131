package stream

import (
	"errors"
	"fmt"
)

// Ошибки потоков.
var (
	// ErrAborted — поток прерван без явной причины.
	ErrAborted = errors.New("stream aborted")

	// ErrFeederPanic — горутина-поставщик запаниковала.
	ErrFeederPanic = errors.New("stream feeder panicked")
)

// ProcessError — ошибка процесса (или горутины), наполняющего поток.
//
// Подавляется режимом no-fail (WithNoFail).
type ProcessError struct {
	// PID — идентификатор процесса (0 для горутины).
	PID int

	// Message — последняя строка лога процесса, если известна.
	Message string

	// Err — исходная ошибка (например, *exec.ExitError).
	Err error
}

// Error реализует интерфейс error.
func (e *ProcessError) Error() string {
	msg := "process failed"
	if e.PID > 0 {
		msg = fmt.Sprintf("process %d failed", e.PID)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap возвращает исходную ошибку.
func (e *ProcessError) Unwrap() error {
	return e.Err
}
