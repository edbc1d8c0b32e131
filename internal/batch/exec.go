package batch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/rules"
)

// DefaultCommand — шаблон команды по умолчанию: скрипт запускается
// в фоне через sh.
const DefaultCommand = "sh {{quote .Script}}"

// ScriptFile — имя сгенерированного скрипта в рабочей директории.
const ScriptFile = "job.sh"

var scriptTemplate = template.Must(template.New("script").Funcs(templateFuncs).Parse(`#!/bin/sh
# {{.Job}}
set -e
cd {{quote .WorkDir}}
exec {{quote .Executable}}{{range .Args}} {{quote .}}{{end}} job exec --root {{quote .Root}} --submission {{quote .Submission}}
`))

var templateFuncs = template.FuncMap{
	"quote": shellQuote,
}

// ScriptData — данные для шаблонов скрипта и команды.
type ScriptData struct {
	Job        string
	Name       string
	Script     string
	WorkDir    string
	Submission string
	Root       string
	Executable string
	Args       []string
	CPUs       int
	Time       string
	Rules      rules.Rules
}

// ExecConfig — конфигурация ExecSystem.
type ExecConfig struct {
	// Command — шаблон команды отправки (text/template над ScriptData).
	// Например: "sbatch --parsable -c {{.CPUs}} {{quote .Script}}".
	Command string

	// Detach — не ждать завершения команды. Для команд, которые сами
	// выполняют job (sh), а не ставят его в очередь.
	// По умолчанию true, если Command пуст.
	Detach *bool

	// Executable — бинарник stepflow (по умолчанию os.Executable()).
	Executable string

	// Args — дополнительные аргументы бинарника перед "job exec".
	Args []string

	// Env — дополнительные переменные окружения команды.
	Env []string

	// Logger — логгер (по умолчанию slog.Default()).
	Logger *slog.Logger
}

// ExecSystem отправляет job внешней командой вокруг сгенерированного
// скрипта, который запускает `stepflow job exec --submission <file>`.
type ExecSystem struct {
	command    *template.Template
	detach     bool
	executable string
	args       []string
	env        []string
	logger     *slog.Logger

	// detached — фоновые команды, ещё не завершившиеся.
	detached sync.WaitGroup
}

// NewExecSystem создаёт ExecSystem.
func NewExecSystem(cfg ExecConfig) (*ExecSystem, error) {
	text := cfg.Command
	detach := text == ""
	if text == "" {
		text = DefaultCommand
	}
	if cfg.Detach != nil {
		detach = *cfg.Detach
	}

	tmpl, err := template.New("command").Funcs(templateFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse command template: %w", err)
	}

	executable := cfg.Executable
	if executable == "" {
		if executable, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ExecSystem{
		command:    tmpl,
		detach:     detach,
		executable: executable,
		args:       cfg.Args,
		env:        cfg.Env,
		logger:     logger,
	}, nil
}

// Submit пишет заявку и скрипт в рабочую директорию job и выполняет
// команду отправки.
//
// Внешний идентификатор — первое слово stdout команды или pid
// дочернего процесса (для Detach).
func (s *ExecSystem) Submit(ctx context.Context, job *engine.Job, opts Options) (string, string, error) {
	workDir := workDirFor(job)
	sub := NewSubmission(job, opts)

	subPath, err := WriteSubmission(workDir, sub)
	if err != nil {
		return "", "", err
	}

	data := ScriptData{
		Job:        job.Identity(),
		Name:       job.Name(),
		Script:     filepath.Join(workDir, ScriptFile),
		WorkDir:    workDir,
		Submission: subPath,
		Root:       job.Registry().Root(),
		Executable: s.executable,
		Args:       s.args,
		CPUs:       requestedCPUs(opts),
		Time:       opts.Rules.String(rules.KeyTime, ""),
		Rules:      opts.Rules,
	}

	var script bytes.Buffer
	if err := scriptTemplate.Execute(&script, data); err != nil {
		return "", "", fmt.Errorf("render script: %w", err)
	}
	if err := os.WriteFile(data.Script, script.Bytes(), 0o755); err != nil {
		return "", "", fmt.Errorf("write script: %w", err)
	}

	var line bytes.Buffer
	if err := s.command.Execute(&line, data); err != nil {
		return "", "", fmt.Errorf("render command: %w", err)
	}

	logger := s.logger.With("job", job.Identity(), "work_dir", workDir)
	if s.detach {
		id, err := s.start(job, line.String(), workDir, logger)
		return id, workDir, err
	}

	id, err := s.run(ctx, line.String(), workDir)
	if err != nil {
		return "", "", err
	}
	logger.Info("job submitted", "external_id", id)
	return id, workDir, nil
}

// run выполняет команду и возвращает первое слово её stdout.
func (s *ExecSystem) run(ctx context.Context, line, workDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), s.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: %s: %s", ErrSubmitFailed, line, msg)
	}

	fields := strings.Fields(stdout.String())
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: %s: empty output", ErrSubmitFailed, line)
	}
	return fields[0], nil
}

// start запускает команду в фоне и возвращает pid.
// Вывод команды пишется в рабочую директорию.
//
// Если команда завершилась, а job так и не начался (скрипт упал до
// `job exec`), job помечается упавшим: иначе его ждали бы вечно.
func (s *ExecSystem) start(job *engine.Job, line, workDir string, logger *slog.Logger) (string, error) {
	out, err := os.Create(filepath.Join(workDir, "output.log"))
	if err != nil {
		return "", fmt.Errorf("create output log: %w", err)
	}

	// Процесс переживает отмену контекста оркестратора.
	cmd := exec.Command("sh", "-c", line)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), s.env...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		return "", fmt.Errorf("%w: %s: %v", ErrSubmitFailed, line, err)
	}

	pid := cmd.Process.Pid
	logger.Info("job started", "pid", pid)

	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		defer out.Close()

		werr := cmd.Wait()
		if werr != nil {
			logger.Warn("submitted command failed", "pid", pid, "error", werr)
		} else {
			logger.Debug("submitted command exited", "pid", pid)
		}

		cause := fmt.Errorf("%w: command %d exited (%v), see %s", engine.ErrLost, pid, exitState(werr), out.Name())
		if _, err := job.MarkLost(context.Background(), cause); err != nil {
			logger.Error("mark lost job failed", "pid", pid, "error", err)
		}
	}()

	return strconv.Itoa(pid), nil
}

// Wait ждёт завершения всех фоновых команд.
func (s *ExecSystem) Wait() {
	s.detached.Wait()
}

func exitState(err error) string {
	if err == nil {
		return "status 0"
	}
	return err.Error()
}

// requestedCPUs возвращает число CPU для шаблона команды.
func requestedCPUs(opts Options) int {
	if v, ok := opts.Resources[rules.KeyCPUs]; ok && v > 0 {
		return int(v)
	}
	if v, ok := opts.Rules.Float(rules.KeyCPUs); ok && v > 0 {
		return int(v)
	}
	return 1
}

// shellQuote экранирует строку для sh.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == '=' || r == ':' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
