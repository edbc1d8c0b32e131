package steps

import (
	"context"
	"os"
	"os/exec"

	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/stream"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// TaskShell — задача выполнения команды.
const TaskShell = "shell"

const defaultShell = "sh"

// shellTask запускает command через интерпретатор. Stdout команды —
// потоковый результат job; ненулевой код выхода завершает job
// ошибкой с последней строкой stderr.
//
// Рабочая директория — вспомогательная директория job; в окружении
// доступны STEPFLOW_JOB и STEPFLOW_FILES.
func shellTask(cfg Config) *engine.Task {
	return &engine.Task{
		Name:        TaskShell,
		Description: "Run a shell command and stream its stdout",
		Extension:   "out",
		Inputs: []engine.Input{
			{Name: "command", Type: engine.TypeString, Description: "command line"},
		},
		Body: func(ctx context.Context, job *engine.Job, in engine.Inputs) (any, error) {
			command := in.String("command")
			if command == "" {
				return nil, engine.Failf("%w: %s: command is required", ErrInvalidConfig, TaskShell)
			}

			dir, err := job.MkFilesDir()
			if err != nil {
				return nil, err
			}

			cmd := exec.Command(cfg.Shell, "-c", command)
			cmd.Dir = dir
			cmd.Env = append(os.Environ(), cfg.Env...)
			cmd.Env = append(cmd.Env,
				"STEPFLOW_JOB="+job.Identity(),
				"STEPFLOW_FILES="+dir,
			)

			s, err := stream.FromCmd(cmd, stream.WithLogger(telemetry.FromContext(ctx)))
			if err != nil {
				return nil, err
			}
			telemetry.FromContext(ctx).Debug("command started", "pid", cmd.Process.Pid)
			return s, nil
		},
	}
}
