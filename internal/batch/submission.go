package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
)

// SubmissionFile — имя файла заявки в рабочей директории.
const SubmissionFile = "submission.json"

// Submission — заявка на выполнение job в другом процессе.
type Submission struct {
	ID        string         `json:"id"`
	Workflow  string         `json:"workflow"`
	Task      string         `json:"task"`
	Name      string         `json:"name"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Path      string         `json:"path"`
	Root      string         `json:"root"`
	Batch     string         `json:"batch,omitempty"`
	Members   []string       `json:"members,omitempty"`
	Rules     map[string]any `json:"rules,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewSubmission создаёт заявку для job.
func NewSubmission(job *engine.Job, opts Options) *Submission {
	spec := job.Spec()
	return &Submission{
		ID:        uuid.New().String(),
		Workflow:  spec.Workflow,
		Task:      spec.Task,
		Name:      job.Name(),
		Inputs:    spec.Inputs,
		Path:      job.Path(),
		Root:      job.Registry().Root(),
		Batch:     opts.Batch,
		Members:   opts.Members,
		Rules:     opts.Rules,
		CreatedAt: time.Now().UTC(),
	}
}

// Spec возвращает переносимое описание job.
func (s *Submission) Spec() domain.JobSpec {
	return domain.JobSpec{Workflow: s.Workflow, Task: s.Task, Inputs: s.Inputs}
}

// Validate проверяет обязательные поля.
func (s *Submission) Validate() error {
	switch {
	case s.Workflow == "":
		return fmt.Errorf("%w: workflow is required", ErrInvalidSubmission)
	case s.Task == "":
		return fmt.Errorf("%w: task is required", ErrInvalidSubmission)
	case s.Path == "":
		return fmt.Errorf("%w: path is required", ErrInvalidSubmission)
	}
	return nil
}

// WriteSubmission сохраняет заявку в dir/submission.json.
func WriteSubmission(dir string, s *Submission) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}

	path := filepath.Join(dir, SubmissionFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write submission: %w", err)
	}
	return path, nil
}

// ReadSubmission читает и проверяет заявку.
func ReadSubmission(path string) (*Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read submission: %w", err)
	}
	return DecodeSubmission(data)
}

// DecodeSubmission разбирает заявку из JSON и проверяет её.
func DecodeSubmission(data []byte) (*Submission, error) {
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// workDirFor возвращает рабочую директорию заявки job.
func workDirFor(job *engine.Job) string {
	return filepath.Join(job.FilesDir(), "batch")
}
