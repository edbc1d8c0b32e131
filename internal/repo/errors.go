package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена (нет файла метаданных или строки индекса).
	ErrNotFound = errors.New("not found")

	// ErrCorrupted — файл метаданных не удалось разобрать.
	ErrCorrupted = errors.New("corrupted metadata")

	// ErrIndexDisabled — индекс job не сконфигурирован (нет DB_URL).
	ErrIndexDisabled = errors.New("job index disabled")
)
