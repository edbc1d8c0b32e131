package domain

import (
	"time"
)

// JobInfo — персистентная запись метаданных одного job.
//
// Хранится рядом с результатом (<path>.info) и является источником
// истины о статусе: её читают другие процессы, воркеры и сам
// оркестратор после рестарта.
type JobInfo struct {
	// Status — текущий статус job.
	Status JobStatus `json:"status"`

	// PID — процесс, выполняющий job (0, если не выполняется).
	PID int `json:"pid,omitempty"`

	// Host — хост, на котором выполняется job.
	Host string `json:"host,omitempty"`

	// StartedAt — время перехода в RUNNING.
	StartedAt *time.Time `json:"start,omitempty"`

	// FinishedAt — время перехода в финальный статус.
	FinishedAt *time.Time `json:"end,omitempty"`

	// Inputs — разрешённые входные параметры.
	Inputs map[string]any `json:"inputs,omitempty"`

	// Dependencies — пути зависимостей (в порядке объявления).
	Dependencies []string `json:"dependencies,omitempty"`

	// Exception — сериализованная ошибка (для ERROR/ABORTED).
	Exception *Exception `json:"exception,omitempty"`

	// Messages — сообщения о ходе выполнения.
	Messages []string `json:"messages,omitempty"`

	// Format — формат файла результата: "json" или "raw".
	Format ResultFormat `json:"format,omitempty"`

	// ExternalID — идентификатор во внешней batch-системе.
	ExternalID string `json:"external_id,omitempty"`

	// WorkDir — рабочая директория внешней batch-системы.
	WorkDir string `json:"work_dir,omitempty"`

	// Archived — метаданные удалённых (erase) зависимостей, ключ — путь.
	Archived map[string]JobInfo `json:"archived,omitempty"`

	// UpdatedAt — время последней записи.
	UpdatedAt time.Time `json:"updated_at"`
}

// ResultFormat — формат файла результата.
type ResultFormat string

const (
	// FormatJSON — результат сериализован в JSON.
	FormatJSON ResultFormat = "json"

	// FormatRaw — сырые байты (для []byte и потоковых результатов).
	FormatRaw ResultFormat = "raw"
)

// Exception — ошибка job в сериализуемом виде.
type Exception struct {
	// Kind — класс ошибки.
	Kind ExceptionKind `json:"kind"`

	// Message — текст ошибки.
	Message string `json:"message"`

	// Recoverable — допускает ли ошибка автоматический повтор.
	Recoverable bool `json:"recoverable"`
}

// Duration возвращает продолжительность выполнения.
func (i *JobInfo) Duration() time.Duration {
	if i.StartedAt == nil || i.FinishedAt == nil {
		return 0
	}
	return i.FinishedAt.Sub(*i.StartedAt)
}

// IsFinished возвращает true, если job в финальном статусе.
func (i *JobInfo) IsFinished() bool {
	return i.Status.IsTerminal()
}

// MarkRunning переводит job в RUNNING.
func (i *JobInfo) MarkRunning(pid int, host string) {
	now := time.Now()
	i.Status = StatusRunning
	i.PID = pid
	i.Host = host
	i.StartedAt = &now
	i.FinishedAt = nil
	i.Exception = nil
	i.Format = ""
}

// MarkStreaming переводит job в STREAMING.
func (i *JobInfo) MarkStreaming() {
	i.Status = StatusStreaming
}

// MarkDone переводит job в DONE.
func (i *JobInfo) MarkDone() {
	now := time.Now()
	i.Status = StatusDone
	i.FinishedAt = &now
	i.PID = 0
}

// MarkFailed переводит job в ERROR или ABORTED (для отмены).
func (i *JobInfo) MarkFailed(exc *Exception) {
	now := time.Now()
	i.Status = StatusError
	if exc != nil && exc.Kind == ExceptionCancelled {
		i.Status = StatusAborted
	}
	i.FinishedAt = &now
	i.PID = 0
	i.Exception = exc
}

// AddMessage добавляет сообщение о ходе выполнения.
func (i *JobInfo) AddMessage(msg string) {
	i.Messages = append(i.Messages, msg)
}

// LastMessage возвращает последнее сообщение или пустую строку.
func (i *JobInfo) LastMessage() string {
	if len(i.Messages) == 0 {
		return ""
	}
	return i.Messages[len(i.Messages)-1]
}
