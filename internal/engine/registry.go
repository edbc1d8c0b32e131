package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/repo"
)

// Observer получает уведомления о каждом записанном переходе статуса job.
type Observer interface {
	JobTransition(ctx context.Context, ref domain.JobRef, info domain.JobInfo) error
}

// Workflow — именованный набор задач.
type Workflow struct {
	Name string

	tasks map[string]*Task
	order []string
}

// NewWorkflow создаёт пустой workflow.
func NewWorkflow(name string) *Workflow {
	return &Workflow{
		Name:  name,
		tasks: make(map[string]*Task),
	}
}

// Add валидирует задачу и добавляет её в workflow.
func (w *Workflow) Add(t *Task) error {
	t.Workflow = w.Name
	if err := ValidateTask(t); err != nil {
		return err
	}
	if _, exists := w.tasks[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.QualifiedName())
	}
	w.tasks[t.Name] = t
	w.order = append(w.order, t.Name)
	return nil
}

// MustAdd добавляет задачу и паникует при ошибке.
// Используется при статическом описании workflow.
func (w *Workflow) MustAdd(t *Task) *Workflow {
	if err := w.Add(t); err != nil {
		panic(err)
	}
	return w
}

// Task возвращает задачу по имени.
func (w *Workflow) Task(name string) (*Task, bool) {
	t, ok := w.tasks[name]
	return t, ok
}

// Tasks возвращает задачи в порядке добавления.
func (w *Workflow) Tasks() []*Task {
	out := make([]*Task, 0, len(w.order))
	for _, name := range w.order {
		out = append(out, w.tasks[name])
	}
	return out
}

// Config — конфигурация Registry.
type Config struct {
	// Root — корневая директория результатов.
	Root string

	// Repo — хранилище метаданных (по умолчанию файловое).
	Repo *repo.InfoRepo

	// CheckUpdated — учитывать свежесть результатов зависимостей.
	CheckUpdated bool

	// Observers — получатели переходов статуса.
	Observers []Observer

	// Logger — логгер (по умолчанию slog.Default()).
	Logger *slog.Logger
}

// Registry — фабрика job: знает все workflow и мемоизирует
// построенные job по пути результата.
type Registry struct {
	root         string
	repo         *repo.InfoRepo
	checkUpdated bool
	logger       *slog.Logger
	host         string
	pid          int

	mu        sync.RWMutex
	workflows map[string]*Workflow
	jobs      map[string]*Job
	observers []Observer
}

// NewRegistry создаёт новый Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Repo == nil {
		cfg.Repo = repo.NewInfoRepo()
	}
	if cfg.Root == "" {
		cfg.Root = "."
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		root = cfg.Root
	}
	host, _ := os.Hostname()

	return &Registry{
		root:         root,
		repo:         cfg.Repo,
		checkUpdated: cfg.CheckUpdated,
		logger:       cfg.Logger,
		host:         host,
		pid:          os.Getpid(),
		workflows:    make(map[string]*Workflow),
		jobs:         make(map[string]*Job),
		observers:    append([]Observer(nil), cfg.Observers...),
	}
}

// Root возвращает корневую директорию результатов.
func (r *Registry) Root() string {
	return r.root
}

// Repo возвращает хранилище метаданных.
func (r *Registry) Repo() *repo.InfoRepo {
	return r.repo
}

// CheckUpdated возвращает true, если включена проверка свежести.
func (r *Registry) CheckUpdated() bool {
	return r.checkUpdated
}

// Logger возвращает логгер реестра.
func (r *Registry) Logger() *slog.Logger {
	return r.logger
}

// AddObserver подключает получателя переходов статуса.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Register регистрирует workflow.
func (r *Registry) Register(w *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[w.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, w.Name)
	}
	r.workflows[w.Name] = w
	return nil
}

// Workflow возвращает workflow по имени.
func (r *Registry) Workflow(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return w, nil
}

// Workflows возвращает все workflow, отсортированные по имени.
func (r *Registry) Workflows() []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Workflow, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Task возвращает задачу по workflow и имени.
func (r *Registry) Task(workflow, task string) (*Task, error) {
	w, err := r.Workflow(workflow)
	if err != nil {
		return nil, err
	}
	t, ok := w.Task(task)
	if !ok {
		return nil, fmt.Errorf("%w: %s#%s", ErrUnknownTask, workflow, task)
	}
	return t, nil
}

// Build строит job задачи workflow#task с заданными входами.
//
// Вход "jobname" задаёт метку экземпляра (по умолчанию Default).
// Повторное построение той же идентичности возвращает тот же *Job.
func (r *Registry) Build(workflow, task string, inputs map[string]any) (*Job, error) {
	t, err := r.Task(workflow, task)
	if err != nil {
		return nil, err
	}
	return r.Job(t, inputs)
}

// BuildSpec строит job по переносимому описанию.
func (r *Registry) BuildSpec(spec domain.JobSpec) (*Job, error) {
	return r.Build(spec.Workflow, spec.Task, spec.Inputs)
}

// Job строит job задачи t.
func (r *Registry) Job(t *Task, inputs map[string]any) (*Job, error) {
	return r.build(t, inputs, nil)
}

// JobByPath возвращает ранее построенный job по пути результата.
func (r *Registry) JobByPath(path string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[path]
	return j, ok
}

// FailPending записывает ERROR в метаданные job с путём результата path,
// если он ещё в статусе WAITING. Нужен стороне, у которой есть только
// путь из заявки. Возвращает false, если job уже начат.
func (r *Registry) FailPending(path string, cause error) (bool, error) {
	info, err := r.failPending(path, cause)
	return info != nil, err
}

func (r *Registry) failPending(path string, cause error) (*domain.JobInfo, error) {
	if cause == nil {
		cause = ErrLost
	}
	info, err := r.repo.Update(path, func(info *domain.JobInfo) error {
		if info.Status != domain.StatusWaiting {
			return errNotPending
		}
		info.MarkFailed(exceptionFor(cause))
		return nil
	})
	if errors.Is(err, errNotPending) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark lost %s: %w", path, err)
	}
	return info, nil
}

// build строит job и, рекурсивно, его зависимости.
// stack — ключи job, строящихся выше по рекурсии (для поиска циклов).
func (r *Registry) build(t *Task, provided map[string]any, stack []string) (*Job, error) {
	name := DefaultJobName
	if v, ok := provided[JobNameInput]; ok && v != nil {
		if s := fmt.Sprint(v); s != "" {
			name = s
		}
	}

	key, err := buildKey(t, name, provided)
	if err != nil {
		return nil, err
	}
	for _, k := range stack {
		if k == key {
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, t.QualifiedName())
		}
	}
	stack = append(stack, key)

	resolved := make(Inputs, len(t.Inputs))
	nonDefault := make(map[string]any)
	var inputDeps []*Job

	for _, in := range t.Inputs {
		def, _ := coerce(in, in.Default)

		raw, ok := provided[in.Name]
		if !ok || raw == nil {
			resolved[in.Name] = def
			continue
		}

		if in.Type == TypeJob {
			raw, err = r.jobInput(raw, stack)
			if err != nil {
				return nil, fmt.Errorf("build %s: input %s: %w", t.QualifiedName(), in.Name, err)
			}
		}

		v, err := coerce(in, raw)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", t.QualifiedName(), err)
		}
		resolved[in.Name] = v

		if j, ok := v.(*Job); ok {
			inputDeps = appendJob(inputDeps, j)
		}
		if !sameValue(v, def) {
			nonDefault[in.Name] = canonicalValue(v)
		}
	}

	var deps []*Job
	for _, dep := range t.Deps {
		targets, err := r.targets(t, dep, name, resolved, deps)
		if err != nil {
			return nil, err
		}

		for _, tg := range targets {
			if tg.Job != nil {
				deps = appendJob(deps, tg.Job)
				continue
			}

			wf := tg.Workflow
			if wf == "" {
				wf = t.Workflow
			}
			depTask, err := r.Task(wf, tg.Task)
			if err != nil {
				return nil, fmt.Errorf("build %s: %w", t.QualifiedName(), err)
			}

			depInputs := make(map[string]any, len(provided)+len(tg.Overrides)+1)
			for k, v := range provided {
				depInputs[k] = v
			}
			depInputs[JobNameInput] = name
			for k, v := range tg.Overrides {
				depInputs[k] = v
			}

			j, err := r.build(depTask, depInputs, stack)
			if err != nil {
				return nil, err
			}
			deps = appendJob(deps, j)
		}
	}

	label := name
	if needsHash(name, nonDefault, deps) {
		ids := make([]string, len(deps))
		for i, d := range deps {
			ids[i] = d.Identity()
		}
		hash, err := identityHash(nonDefault, ids)
		if err != nil {
			return nil, err
		}
		label = name + "_" + hash
	}

	path := filepath.Join(r.root, t.Workflow, t.Name, label)
	if t.Extension != "" {
		path += "." + t.Extension
	}

	job := &Job{
		registry:  r,
		task:      t,
		ref:       domain.JobRef{Workflow: t.Workflow, Task: t.Name, Name: name, Path: path},
		label:     label,
		provided:  copyInputs(provided),
		inputs:    resolved,
		deps:      deps,
		inputDeps: inputDeps,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.jobs[path]; ok {
		return existing, nil
	}
	r.jobs[path] = job
	return job, nil
}

// targets разрешает одно объявление зависимости.
func (r *Registry) targets(t *Task, dep Dependency, name string, in Inputs, built []*Job) ([]DepTarget, error) {
	if dep.Resolver == nil {
		return []DepTarget{{Workflow: dep.Workflow, Task: dep.Task, Overrides: dep.Overrides}}, nil
	}

	targets, err := dep.Resolver(ResolveRequest{
		Name:   name,
		Inputs: in,
		Deps:   append([]*Job(nil), built...),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve dependencies of %s: %w", t.QualifiedName(), err)
	}
	return targets, nil
}

// jobInput превращает переносимое описание входа-job в *Job.
func (r *Registry) jobInput(v any, stack []string) (any, error) {
	var spec domain.JobSpec
	switch x := v.(type) {
	case *Job:
		return x, nil
	case domain.JobSpec:
		spec = x
	case map[string]any:
		data, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, err
		}
	default:
		return v, nil
	}

	t, err := r.Task(spec.Workflow, spec.Task)
	if err != nil {
		return nil, err
	}
	return r.build(t, spec.Inputs, stack)
}

// needsHash возвращает true, если идентичность требует хэш-суффикс:
// есть вход или зависимость, отличные от умолчания.
func needsHash(name string, nonDefault map[string]any, deps []*Job) bool {
	if len(nonDefault) > 0 {
		return true
	}
	for _, d := range deps {
		if d.label != name {
			return true
		}
	}
	return false
}

// buildKey — ключ job для поиска циклов при построении.
func buildKey(t *Task, name string, provided map[string]any) (string, error) {
	canon := make(map[string]any, len(provided))
	for k, v := range provided {
		if _, declared := t.Input(k); declared {
			canon[k] = canonicalValue(v)
		}
	}
	data, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("build %s: marshal inputs: %w", t.QualifiedName(), err)
	}
	return t.QualifiedName() + "/" + name + "/" + string(data), nil
}

func appendJob(jobs []*Job, j *Job) []*Job {
	for _, existing := range jobs {
		if existing == j {
			return jobs
		}
	}
	return append(jobs, j)
}

func copyInputs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
