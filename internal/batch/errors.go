package batch

import "errors"

var (
	// ErrUnknownSystem — batch-система с таким именем не зарегистрирована.
	ErrUnknownSystem = errors.New("unknown batch system")

	// ErrDuplicateSystem — batch-система с таким именем уже зарегистрирована.
	ErrDuplicateSystem = errors.New("duplicate batch system")

	// ErrInvalidSubmission — заявка не содержит обязательных полей.
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrSubmitFailed — batch-система не приняла заявку.
	ErrSubmitFailed = errors.New("submit failed")
)
