package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/repo"
	"github.com/shaiso/Stepflow/internal/stream"
	"github.com/shaiso/Stepflow/internal/telemetry"
)

// RunOption — настройка Job.Run.
type RunOption func(o *runOptions)

type runOptions struct {
	materialize bool
}

// Materialize требует сохранить потоковый результат целиком до возврата.
func Materialize() RunOption {
	return func(o *runOptions) { o.materialize = true }
}

// Job — конкретный экземпляр задачи с идентичностью и персистентным статусом.
type Job struct {
	registry *Registry
	task     *Task
	ref      domain.JobRef

	// label — метка экземпляра с хэш-суффиксом (последний элемент пути).
	label string

	// provided — входы в том виде, в котором их передал вызывающий.
	provided map[string]any

	inputs    Inputs
	deps      []*Job
	inputDeps []*Job

	// runMu — эксклюзивная блокировка запуска; живой поток результата
	// держит её до join/abort.
	runMu sync.Mutex

	liveMu sync.Mutex
	live   *stream.Stream
}

// Task возвращает задачу job.
func (j *Job) Task() *Task { return j.task }

// Ref возвращает идентичность job.
func (j *Job) Ref() domain.JobRef { return j.ref }

// Workflow возвращает имя workflow.
func (j *Job) Workflow() string { return j.ref.Workflow }

// TaskName возвращает имя задачи.
func (j *Job) TaskName() string { return j.ref.Task }

// Name возвращает метку экземпляра (без хэша).
func (j *Job) Name() string { return j.ref.Name }

// Path возвращает путь файла результата.
func (j *Job) Path() string { return j.ref.Path }

// FilesDir возвращает вспомогательную директорию job.
func (j *Job) FilesDir() string { return repo.FilesDir(j.ref.Path) }

// Registry возвращает реестр, построивший job.
func (j *Job) Registry() *Registry { return j.registry }

// Identity возвращает идентичность вида workflow/task/label.
func (j *Job) Identity() string {
	return j.ref.Workflow + "/" + j.ref.Task + "/" + j.label
}

// String реализует fmt.Stringer.
func (j *Job) String() string { return j.Identity() }

// Inputs возвращает копию разрешённых входов.
func (j *Job) Inputs() Inputs {
	out := make(Inputs, len(j.inputs))
	for k, v := range j.inputs {
		out[k] = v
	}
	return out
}

// Dependencies возвращает зависимости в порядке объявления.
func (j *Job) Dependencies() []*Job {
	return append([]*Job(nil), j.deps...)
}

// InputDependencies возвращает job, переданные как значения входов.
func (j *Job) InputDependencies() []*Job {
	return append([]*Job(nil), j.inputDeps...)
}

// AllDependencies возвращает зависимости и входы-job без повторов.
func (j *Job) AllDependencies() []*Job {
	out := append([]*Job(nil), j.deps...)
	for _, d := range j.inputDeps {
		out = appendJob(out, d)
	}
	return out
}

// Spec возвращает переносимое описание job.
func (j *Job) Spec() domain.JobSpec {
	inputs := make(map[string]any, len(j.provided))
	for k, v := range j.provided {
		if dep, ok := v.(*Job); ok {
			inputs[k] = dep.Spec()
			continue
		}
		inputs[k] = v
	}
	return domain.JobSpec{Workflow: j.ref.Workflow, Task: j.ref.Task, Inputs: inputs}
}

// MkFilesDir создаёт вспомогательную директорию и возвращает её путь.
func (j *Job) MkFilesDir() (string, error) {
	dir := j.FilesDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create files dir: %w", err)
	}
	return dir, nil
}

// Info возвращает персистентные метаданные job.
// Отсутствие метаданных — статус WAITING.
func (j *Job) Info() (*domain.JobInfo, error) {
	info, err := j.registry.repo.Load(j.ref.Path)
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.JobInfo{Status: domain.StatusWaiting}, nil
	}
	return info, err
}

// Status возвращает текущий статус job.
//
// RUNNING/STREAMING на этом хосте действителен, только пока жив
// записанный процесс; иначе job считается упавшим (ERROR).
func (j *Job) Status() domain.JobStatus {
	if j.liveStream() != nil {
		return domain.StatusStreaming
	}
	info, err := j.Info()
	if err != nil {
		j.registry.logger.Warn("read job info failed", "job", j.Identity(), "error", err)
		return domain.StatusError
	}
	return j.effectiveStatus(info)
}

// IsDone возвращает true, если job завершён успешно.
func (j *Job) IsDone() bool {
	return j.Status() == domain.StatusDone
}

// Updated возвращает true, если job завершён и (при CheckUpdated)
// ни один результат зависимостей не новее его собственного.
func (j *Job) Updated() bool {
	return j.updated(make(map[*Job]bool))
}

func (j *Job) updated(seen map[*Job]bool) bool {
	if ok, visited := seen[j]; visited {
		return ok
	}
	ok := j.isUpdated(seen)
	seen[j] = ok
	return ok
}

func (j *Job) isUpdated(seen map[*Job]bool) bool {
	if j.Status() != domain.StatusDone {
		return false
	}
	if !j.registry.checkUpdated {
		return true
	}

	var archived map[string]domain.JobInfo
	if info, err := j.Info(); err == nil {
		archived = info.Archived
	}

	own := j.modTime()
	for _, d := range j.AllDependencies() {
		// Стёртая зависимость хранится в архиве метаданных.
		if _, ok := archived[d.Path()]; ok && d.Status() == domain.StatusWaiting {
			continue
		}
		if !d.updated(seen) {
			return false
		}
		if d.modTime().After(own) {
			return false
		}
	}
	return true
}

// modTime возвращает время изменения результата (или время завершения).
func (j *Job) modTime() time.Time {
	if st, err := os.Stat(j.ref.Path); err == nil {
		return st.ModTime()
	}
	if info, err := j.Info(); err == nil && info.FinishedAt != nil {
		return *info.FinishedAt
	}
	return time.Time{}
}

// effectiveStatus учитывает живость процесса, записанного в метаданных.
func (j *Job) effectiveStatus(info *domain.JobInfo) domain.JobStatus {
	if !info.Status.IsActive() {
		return info.Status
	}
	if info.Host != "" && info.Host != j.registry.host {
		return info.Status
	}
	if info.PID == 0 || !processAlive(info.PID) {
		return domain.StatusError
	}
	return info.Status
}

// processAlive проверяет процесс сигналом 0.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// liveStream возвращает живой поток результата этого процесса.
func (j *Job) liveStream() *stream.Stream {
	j.liveMu.Lock()
	defer j.liveMu.Unlock()

	if j.live != nil && (j.live.Joined() || j.live.Aborted()) {
		j.live = nil
	}
	return j.live
}

func (j *Job) setLive(s *stream.Stream) {
	j.liveMu.Lock()
	j.live = s
	j.liveMu.Unlock()
}

func (j *Job) logger(ctx context.Context) *slog.Logger {
	logger := j.registry.logger
	if l := telemetry.FromContext(ctx); l != slog.Default() {
		logger = l
	}
	return telemetry.WithJob(logger, j.Identity())
}

// Run выполняет job.
//
// Завершённый job возвращает сохранённый результат. Иначе сначала
// выполняются незавершённые зависимости, затем тело задачи. Потоковый
// результат возвращается как *stream.Stream (статус STREAMING) —
// если не задан Materialize.
func (j *Job) Run(ctx context.Context, opts ...RunOption) (any, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := j.logger(ctx)

	if s := j.liveStream(); s != nil {
		if !o.materialize {
			return s, nil
		}
		if err := drain(s); err != nil {
			return nil, err
		}
	}

	j.runMu.Lock()
	release := true
	defer func() {
		if release {
			j.runMu.Unlock()
		}
	}()

	info, err := j.Info()
	if err != nil {
		return nil, err
	}

	switch status := j.effectiveStatus(info); {
	case status == domain.StatusDone:
		if j.Updated() {
			return j.Result()
		}
		logger.Info("job outdated, rerunning")
		if err := j.clean(ctx); err != nil {
			return nil, err
		}
	case status.IsActive():
		// Job выполняется другим процессом.
		j.runMu.Unlock()
		release = false
		if err := j.Join(ctx); err != nil {
			return nil, err
		}
		return j.Result()
	}

	for _, d := range j.AllDependencies() {
		if d.Updated() {
			continue
		}
		if _, err := d.Run(ctx, Materialize()); err != nil {
			err = fmt.Errorf("dependency %s: %w", d.Identity(), err)
			j.fail(ctx, err)
			return nil, err
		}
	}

	depPaths := make([]string, 0, len(j.deps))
	for _, d := range j.AllDependencies() {
		depPaths = append(depPaths, d.Path())
	}
	err = j.persist(ctx, func(info *domain.JobInfo) {
		info.MarkRunning(j.registry.pid, j.registry.host)
		info.Inputs = persistableInputs(j.inputs)
		info.Dependencies = depPaths
		info.Messages = nil
		info.Archived = nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("job running")

	result, err := j.invoke(ctx)
	if err != nil {
		j.fail(ctx, err)
		return nil, err
	}

	if r, ok := result.(io.Reader); ok && !o.materialize {
		s, err := j.streamResult(ctx, r)
		if err != nil {
			j.fail(ctx, err)
			return nil, err
		}
		// Блокировку освободит поток при join/abort.
		release = false
		return s, nil
	}

	if err := j.store(ctx, result); err != nil {
		j.fail(ctx, err)
		return nil, err
	}
	logger.Info("job done")
	return j.Result()
}

// invoke вызывает тело задачи, превращая панику в ошибку.
func (j *Job) invoke(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrBodyPanic, r)
		}
	}()
	return j.task.Body(ctx, j, j.Inputs())
}

// store сохраняет непотоковый (или материализуемый) результат.
func (j *Job) store(ctx context.Context, result any) error {
	format := domain.FormatJSON

	switch v := result.(type) {
	case io.Reader:
		format = domain.FormatRaw
		s := stream.Attach(v, stream.WithLogger(j.registry.logger))
		err := stream.Process(s, func(s *stream.Stream) error {
			return writeFileAtomic(j.ref.Path, func(w io.Writer) error {
				_, err := io.Copy(w, s)
				return err
			})
		})
		if err != nil {
			return err
		}
	case []byte:
		format = domain.FormatRaw
		if err := writeFileAtomic(j.ref.Path, func(w io.Writer) error {
			_, err := w.Write(v)
			return err
		}); err != nil {
			return err
		}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		if err := writeFileAtomic(j.ref.Path, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}); err != nil {
			return err
		}
	}

	return j.persist(ctx, func(info *domain.JobInfo) {
		info.MarkDone()
		info.Format = format
	})
}

// streamResult оборачивает потоковый результат в tee, пишущий файл результата.
func (j *Job) streamResult(ctx context.Context, r io.Reader) (*stream.Stream, error) {
	if err := os.MkdirAll(filepath.Dir(j.ref.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}
	f, err := os.Create(j.ref.Path)
	if err != nil {
		return nil, fmt.Errorf("create result: %w", err)
	}

	src := stream.Attach(r, stream.WithLogger(j.registry.logger))

	var settle sync.Once
	onDone := func() error {
		if err := f.Close(); err != nil {
			return fmt.Errorf("close result: %w", err)
		}
		var perr error
		settle.Do(func() {
			perr = j.persist(ctx, func(info *domain.JobInfo) {
				info.MarkDone()
				info.Format = domain.FormatRaw
			})
			j.logger(ctx).Info("job done")
		})
		return perr
	}
	onFail := func(err error) {
		_ = f.Close()
		settle.Do(func() { j.fail(ctx, err) })
	}
	onAbort := func(cause error) {
		_ = f.Close()
		settle.Do(func() { j.fail(ctx, fmt.Errorf("%w: %v", stream.ErrAborted, cause)) })
	}

	tee := stream.Tee(src, f,
		stream.WithAutoJoin(true),
		stream.WithCallback(onDone),
		stream.WithFailCallback(onFail),
		stream.WithAbortCallback(onAbort),
		stream.WithLogger(j.registry.logger),
	)

	if err := j.persist(ctx, func(info *domain.JobInfo) { info.MarkStreaming() }); err != nil {
		tee.Abort(err)
		return nil, err
	}
	stream.Attach(tee, stream.WithLock(&j.runMu))
	j.setLive(tee)
	return tee, nil
}

// fail записывает ошибку job и прерывает активные зависимости.
func (j *Job) fail(ctx context.Context, err error) {
	exc := exceptionFor(err)
	if perr := j.persist(ctx, func(info *domain.JobInfo) { info.MarkFailed(exc) }); perr != nil {
		j.logger(ctx).Error("persist job failure failed", "error", perr)
	}
	j.logger(ctx).Warn("job failed", "kind", exc.Kind, "recoverable", exc.Recoverable, "error", err)

	for _, d := range j.AllDependencies() {
		d.abortActive(err)
	}
}

// abortActive прерывает живой поток результата job.
// Завершённые job сохраняют результат.
func (j *Job) abortActive(cause error) {
	if s := j.liveStream(); s != nil {
		s.Abort(cause)
	}
}

// Err возвращает ошибку упавшего job (ERROR/ABORTED) или nil.
func (j *Job) Err() error {
	if j.liveStream() != nil {
		return nil
	}
	info, err := j.Info()
	if err != nil {
		return err
	}
	status := j.effectiveStatus(info)
	switch {
	case !status.IsFailed():
		return nil
	case info.Status.IsActive():
		return &JobError{
			Job:         j.ref,
			Status:      domain.StatusError,
			Kind:        domain.ExceptionSystem,
			Message:     fmt.Sprintf("process %d exited without finishing", info.PID),
			Recoverable: true,
		}
	default:
		return errorFromInfo(j.ref, info)
	}
}

// Abort прерывает живой поток результата job, если он есть.
func (j *Job) Abort(cause error) {
	j.abortActive(cause)
}

// Join ждёт завершения job.
//
// Живой поток результата дочитывается; затем job ожидается, пока
// он присутствует в метаданных и не достиг финального статуса.
// ERROR/ABORTED возвращаются как *JobError.
func (j *Job) Join(ctx context.Context) error {
	if s := j.liveStream(); s != nil {
		if err := drain(s); err != nil {
			return err
		}
	}

	w := newInfoWaiter(j.ref.Path, j.registry.logger)
	defer w.Close()

	for {
		info, err := j.registry.repo.Load(j.ref.Path)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if status := j.effectiveStatus(info); status.IsTerminal() {
			if status == domain.StatusDone {
				return nil
			}
			return j.Err()
		}

		if err := w.Wait(ctx); err != nil {
			return err
		}
	}
}

// Clean удаляет результат, метаданные и вспомогательную директорию job.
// После Clean job снова в статусе WAITING.
func (j *Job) Clean(ctx context.Context) error {
	j.abortActive(ErrCleaned)

	j.runMu.Lock()
	defer j.runMu.Unlock()

	return j.clean(ctx)
}

func (j *Job) clean(ctx context.Context) error {
	if err := os.Remove(j.ref.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		if err := os.RemoveAll(j.ref.Path); err != nil {
			return fmt.Errorf("remove result: %w", err)
		}
	}
	if err := os.RemoveAll(j.FilesDir()); err != nil {
		return fmt.Errorf("remove files dir: %w", err)
	}
	if err := j.registry.repo.Delete(j.ref.Path); err != nil {
		return err
	}
	j.setLive(nil)

	j.notify(ctx, domain.JobInfo{Status: domain.StatusWaiting, UpdatedAt: time.Now()})
	j.logger(ctx).Debug("job cleaned")
	return nil
}

// Result возвращает сохранённый результат завершённого job:
// []byte для сырых и потоковых результатов, иначе JSON-значение.
func (j *Job) Result() (any, error) {
	info, err := j.Info()
	if err != nil {
		return nil, err
	}
	if info.Status != domain.StatusDone {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDone, j.Identity(), info.Status)
	}

	data, err := os.ReadFile(j.ref.Path)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	if info.Format == domain.FormatRaw {
		return data, nil
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}

// Open открывает файл результата завершённого job.
func (j *Job) Open() (io.ReadCloser, error) {
	if status := j.Status(); status != domain.StatusDone {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDone, j.Identity(), status)
	}
	f, err := os.Open(j.ref.Path)
	if err != nil {
		return nil, fmt.Errorf("open result: %w", err)
	}
	return f, nil
}

// Log добавляет сообщение о ходе выполнения в метаданные.
func (j *Job) Log(ctx context.Context, msg string) error {
	j.logger(ctx).Info("job message", "message", msg)
	_, err := j.registry.repo.Update(j.ref.Path, func(info *domain.JobInfo) error {
		info.AddMessage(msg)
		return nil
	})
	return err
}

// MarkSubmitted записывает идентификатор и рабочую директорию внешней
// batch-системы. Статус не меняется: его запишет удалённая сторона.
func (j *Job) MarkSubmitted(ctx context.Context, externalID, workDir string) error {
	return j.persist(ctx, func(info *domain.JobInfo) {
		info.ExternalID = externalID
		info.WorkDir = workDir
	})
}

// MarkLost записывает ERROR, если job всё ещё в статусе WAITING:
// внешняя отправка завершилась, так и не запустив его. Начатый или
// завершённый job не меняется, тогда возвращается false.
func (j *Job) MarkLost(ctx context.Context, cause error) (bool, error) {
	info, err := j.registry.failPending(j.ref.Path, cause)
	if err != nil || info == nil {
		return false, err
	}
	j.notify(ctx, *info)
	j.logger(ctx).Warn("job lost", "recoverable", info.Exception.Recoverable, "error", cause)
	return true, nil
}

// Archive сохраняет метаданные зависимости dep в метаданных job.
// Используется перед удалением промежуточных результатов.
func (j *Job) Archive(ctx context.Context, dep *Job) error {
	depInfo, err := dep.Info()
	if err != nil {
		return err
	}
	depInfo.Archived = nil

	return j.persist(ctx, func(info *domain.JobInfo) {
		if info.Archived == nil {
			info.Archived = make(map[string]domain.JobInfo)
		}
		info.Archived[dep.Path()] = *depInfo
	})
}

// persist изменяет метаданные под блокировкой и уведомляет наблюдателей.
func (j *Job) persist(ctx context.Context, fn func(info *domain.JobInfo)) error {
	info, err := j.registry.repo.Update(j.ref.Path, func(info *domain.JobInfo) error {
		fn(info)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist %s: %w", j.Identity(), err)
	}
	j.notify(ctx, *info)
	return nil
}

// notify передаёт переход наблюдателям; их ошибки только логируются.
func (j *Job) notify(ctx context.Context, info domain.JobInfo) {
	j.registry.mu.RLock()
	observers := append([]Observer(nil), j.registry.observers...)
	j.registry.mu.RUnlock()

	for _, o := range observers {
		if err := o.JobTransition(ctx, j.ref, info); err != nil {
			j.logger(ctx).Warn("job observer failed", "status", info.Status, "error", err)
		}
	}
}

// drain дочитывает поток и присоединяет его.
func drain(s *stream.Stream) error {
	_, err := io.Copy(io.Discard, s)
	if jerr := s.Join(); jerr != nil {
		return jerr
	}
	return err
}

// writeFileAtomic пишет файл через временный файл и rename.
func writeFileAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create result dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp result: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp result: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename result: %w", err)
	}
	return nil
}
