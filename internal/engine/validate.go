package engine

import (
	"fmt"
)

// ValidationError — ошибка валидации задачи с контекстом.
type ValidationError struct {
	Task    string // qualified имя задачи
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Task != "" {
		return "task " + e.Task + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(task, field, message string, err error) *ValidationError {
	return &ValidationError{
		Task:    task,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// ValidateTask проверяет описание задачи.
//
// Проверяет:
//   - Наличие имени и тела
//   - Уникальность и типы входов
//   - Приводимость значений по умолчанию к типам входов
//   - Что каждая зависимость задаёт задачу или resolver
func ValidateTask(t *Task) error {
	if t.Name == "" {
		return NewValidationError("", "name", "task has empty name", ErrEmptyTaskName)
	}
	name := t.QualifiedName()

	if t.Body == nil {
		return NewValidationError(name, "body", "task has no body", ErrMissingBody)
	}

	seen := make(map[string]bool, len(t.Inputs))
	for _, in := range t.Inputs {
		if err := validateInput(name, in, seen); err != nil {
			return err
		}
	}

	for i, dep := range t.Deps {
		if dep.Resolver == nil && dep.Task == "" {
			return NewValidationError(name, "deps",
				fmt.Sprintf("dependency %d has neither task nor resolver", i), ErrInvalidDependency)
		}
	}

	return nil
}

// validateInput проверяет один вход.
// seen — уже встреченные имена входов.
func validateInput(task string, in Input, seen map[string]bool) error {
	if in.Name == "" {
		return NewValidationError(task, "inputs", "input has empty name", ErrInvalidInput)
	}
	if in.Name == JobNameInput {
		return NewValidationError(task, "inputs",
			fmt.Sprintf("input name %s is reserved", JobNameInput), ErrInvalidInput)
	}
	if seen[in.Name] {
		return NewValidationError(task, "inputs",
			fmt.Sprintf("duplicate input: %s", in.Name), ErrDuplicateInput)
	}
	seen[in.Name] = true

	if !validInputTypes[in.Type] {
		return NewValidationError(task, "inputs",
			fmt.Sprintf("input %s has unknown type %q", in.Name, in.Type), ErrUnknownInputType)
	}

	if in.Type == TypeJob && in.Default != nil {
		return NewValidationError(task, "inputs",
			fmt.Sprintf("job input %s cannot have a default", in.Name), ErrInvalidInput)
	}

	if _, err := coerce(in, in.Default); err != nil {
		return NewValidationError(task, "inputs",
			fmt.Sprintf("default of %s: %v", in.Name, err), ErrInvalidInput)
	}

	return nil
}
