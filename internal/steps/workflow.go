package steps

import (
	"net/http"

	"github.com/shaiso/Stepflow/internal/engine"
)

// WorkflowName — имя встроенного workflow.
const WorkflowName = "std"

// Config — настройки встроенных задач.
type Config struct {
	// HTTPClient — клиент задачи http (по умолчанию свой на каждый запрос,
	// с таймаутом из входа timeout_sec).
	HTTPClient *http.Client

	// Shell — интерпретатор задачи shell (default: sh).
	Shell string

	// Env — дополнительные переменные окружения команд shell.
	Env []string
}

// Workflow возвращает встроенный workflow std: delay, shell, http, transform.
func Workflow(cfg Config) *engine.Workflow {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}

	wf := engine.NewWorkflow(WorkflowName)
	wf.MustAdd(delayTask())
	wf.MustAdd(shellTask(cfg))
	wf.MustAdd(httpTask(cfg))
	wf.MustAdd(transformTask())
	return wf
}

// Register регистрирует std в реестре.
func Register(r *engine.Registry, cfg Config) error {
	return r.Register(Workflow(cfg))
}
