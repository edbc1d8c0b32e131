package rules

import "errors"

// Ошибки правил.
var (
	// ErrInvalidDocument — документ правил имеет неверную структуру.
	ErrInvalidDocument = errors.New("invalid rules document")

	// ErrInvalidTimespan — значение времени не распознано.
	ErrInvalidTimespan = errors.New("invalid timespan")

	// ErrImportCycle — документы импортируют друг друга.
	ErrImportCycle = errors.New("rules import cycle")
)
