package api

import (
	"time"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/repo"
)

// TaskResponse — описание задачи.
type TaskResponse struct {
	Task        string          `json:"task"`
	Description string          `json:"description,omitempty"`
	Inputs      []InputResponse `json:"inputs,omitempty"`
}

// InputResponse — описание входа задачи.
type InputResponse struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Default any      `json:"default,omitempty"`
	Options []string `json:"options,omitempty"`
}

// TaskFromEngine конвертирует engine.Task в TaskResponse.
func TaskFromEngine(t *engine.Task) TaskResponse {
	resp := TaskResponse{Task: t.QualifiedName(), Description: t.Description}
	for _, in := range t.Inputs {
		resp.Inputs = append(resp.Inputs, InputResponse{
			Name:    in.Name,
			Type:    string(in.Type),
			Default: in.Default,
			Options: in.Options,
		})
	}
	return resp
}

// JobResponse — состояние job и его зависимостей.
type JobResponse struct {
	Job          string           `json:"job"`
	Path         string           `json:"path"`
	Status       domain.JobStatus `json:"status"`
	ExternalID   string           `json:"external_id,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Error        string           `json:"error,omitempty"`
	Dependencies []JobResponse    `json:"dependencies,omitempty"`
}

// JobFromEngine конвертирует engine.Job (рекурсивно с зависимостями)
// в JobResponse.
func JobFromEngine(j *engine.Job) JobResponse {
	return jobResponse(j, make(map[*engine.Job]bool))
}

func jobResponse(j *engine.Job, seen map[*engine.Job]bool) JobResponse {
	seen[j] = true

	resp := JobResponse{Job: j.Identity(), Path: j.Path(), Status: j.Status()}
	if info, err := j.Info(); err == nil {
		resp.ExternalID = info.ExternalID
		resp.StartedAt = info.StartedAt
		resp.FinishedAt = info.FinishedAt
		if info.Exception != nil {
			resp.Error = info.Exception.Message
		}
	}
	for _, d := range j.AllDependencies() {
		if seen[d] {
			continue
		}
		resp.Dependencies = append(resp.Dependencies, jobResponse(d, seen))
	}
	return resp
}

// IndexEntryResponse — запись индекса job.
type IndexEntryResponse struct {
	Path       string           `json:"path"`
	Workflow   string           `json:"workflow"`
	Task       string           `json:"task"`
	Name       string           `json:"name"`
	Status     domain.JobStatus `json:"status"`
	Host       string           `json:"host,omitempty"`
	PID        int              `json:"pid,omitempty"`
	ExternalID string           `json:"external_id,omitempty"`
	Error      string           `json:"error,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// IndexEntryFromRepo конвертирует repo.IndexEntry в IndexEntryResponse.
func IndexEntryFromRepo(e repo.IndexEntry) IndexEntryResponse {
	return IndexEntryResponse{
		Path:       e.Path,
		Workflow:   e.Workflow,
		Task:       e.Task,
		Name:       e.Name,
		Status:     e.Status,
		Host:       e.Host,
		PID:        e.PID,
		ExternalID: e.ExternalID,
		Error:      e.Error,
		UpdatedAt:  e.UpdatedAt,
	}
}
