package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// ListJobs возвращает записи индекса job.
// GET /api/v1/jobs?status=error&limit=50
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.index == nil {
		Unavailable(w, "job index disabled")
		return
	}

	var status domain.JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = domain.ParseJobStatus(s)
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.index.List(r.Context(), status, limit)
	if err != nil {
		InternalError(w, telemetry.FromContext(r.Context()), err)
		return
	}

	resp := make([]IndexEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = IndexEntryFromRepo(e)
	}
	List(w, resp, len(resp))
}

// GetJob возвращает состояние job и его зависимостей.
// Входы задачи передаются параметрами запроса.
// GET /api/v1/jobs/{workflow}/{task}?jobname=x
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.buildJob(w, r)
	if !ok {
		return
	}
	Success(w, JobFromEngine(job))
}

// GetJobResult отдаёт файл результата завершённого job.
// GET /api/v1/jobs/{workflow}/{task}/result
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := h.buildJob(w, r)
	if !ok {
		return
	}

	logger := telemetry.FromContext(r.Context())
	f, err := job.Open()
	if HandleJobError(w, logger, err) {
		return
	}
	defer f.Close()

	contentType := "application/json"
	if info, err := job.Info(); err == nil && info.Format == domain.FormatRaw {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, f); err != nil {
		logger.Warn("failed to write result", "job", job.Identity(), "error", err)
	}
}

func (h *Handler) buildJob(w http.ResponseWriter, r *http.Request) (*engine.Job, bool) {
	job, err := h.registry.Build(r.PathValue("workflow"), r.PathValue("task"), queryInputs(r.URL.Query()))
	if HandleBuildError(w, err) {
		return nil, false
	}
	return job, true
}

// queryInputs превращает параметры запроса во входы задачи.
// Значения, разбираемые как JSON, берутся как JSON; иначе строкой.
func queryInputs(q url.Values) map[string]any {
	inputs := make(map[string]any, len(q))
	for key, values := range q {
		if len(values) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(values[0]), &v); err != nil {
			v = values[0]
		}
		inputs[key] = v
	}
	return inputs
}
