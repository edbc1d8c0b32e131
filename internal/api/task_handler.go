package api

import (
	"net/http"
)

// ListTasks возвращает все зарегистрированные задачи.
// GET /api/v1/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var resp []TaskResponse
	for _, wf := range h.registry.Workflows() {
		for _, t := range wf.Tasks() {
			resp = append(resp, TaskFromEngine(t))
		}
	}
	List(w, resp, len(resp))
}
