package engine

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/repo"
	"github.com/shaiso/Stepflow/internal/stream"
)

// recorder — наблюдатель, запоминающий статусы переходов.
type recorder struct {
	mu       sync.Mutex
	statuses []domain.JobStatus
}

func (r *recorder) JobTransition(ctx context.Context, ref domain.JobRef, info domain.JobInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, info.Status)
	return nil
}

func (r *recorder) seen() []domain.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.JobStatus(nil), r.statuses...)
}

// addStreamer добавляет задачу с потоковым результатом.
func addStreamer(t *testing.T, r *Registry, body BodyFunc) {
	t.Helper()
	wf := NewWorkflow("streams")
	wf.MustAdd(&Task{Name: "produce", Body: body})
	if err := r.Register(wf); err != nil {
		t.Fatal(err)
	}
}

// --- Run Tests ---

func TestRun_PlainValue(t *testing.T) {
	f := newFixture(t, t.TempDir())
	rec := &recorder{}
	f.registry.AddObserver(rec)

	j := mustBuild(t, f.registry, "a", map[string]any{"cpus": 4})
	result, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, ok := result.(map[string]any)
	if !ok || m["cpus"] != float64(4) {
		t.Errorf("unexpected result %#v", result)
	}
	if j.Status() != domain.StatusDone {
		t.Errorf("expected done, got %s", j.Status())
	}

	info, err := j.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.StartedAt == nil || info.FinishedAt == nil {
		t.Error("start and end should be recorded")
	}
	if info.Inputs["cpus"] != float64(4) {
		t.Errorf("inputs should be persisted, got %v", info.Inputs)
	}
	if info.Format != domain.FormatJSON {
		t.Errorf("expected json format, got %s", info.Format)
	}

	seen := rec.seen()
	if len(seen) != 2 || seen[0] != domain.StatusRunning || seen[1] != domain.StatusDone {
		t.Errorf("expected running, done transitions, got %v", seen)
	}
}

func TestRun_CachedWhenDone(t *testing.T) {
	f := newFixture(t, t.TempDir())
	j := mustBuild(t, f.registry, "a", nil)

	for i := 0; i < 2; i++ {
		if _, err := j.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if f.called("a") != 1 {
		t.Errorf("expected body once, got %d", f.called("a"))
	}

	// Новый процесс (реестр) видит сохранённый статус
	other := newFixture(t, f.registry.Root())
	again := mustBuild(t, other.registry, "a", nil)
	if again.Status() != domain.StatusDone {
		t.Errorf("status should survive restart, got %s", again.Status())
	}
	if _, err := again.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if other.called("a") != 0 {
		t.Error("done job should not rerun in another registry")
	}
}

func TestRun_DependenciesFirst(t *testing.T) {
	f := newFixture(t, t.TempDir())
	b := mustBuild(t, f.registry, "b", map[string]any{"cpus": 2})

	result, err := b.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m, ok := result.(map[string]any); !ok || m["cpus"] != float64(2) {
		t.Errorf("unexpected result %#v", result)
	}

	dep := b.Dependencies()[0]
	if !dep.IsDone() {
		t.Error("dependency should be done")
	}

	info, _ := b.Info()
	if len(info.Dependencies) != 1 || info.Dependencies[0] != dep.Path() {
		t.Errorf("dependency paths should be persisted, got %v", info.Dependencies)
	}
}

func TestRun_Bytes(t *testing.T) {
	f := newFixture(t, t.TempDir())
	j := mustBuild(t, f.registry, "bytes", nil)

	result, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.([]byte)) != "raw data" {
		t.Errorf("unexpected result %q", result)
	}
}

func TestRun_SemanticFailure(t *testing.T) {
	f := newFixture(t, t.TempDir())
	j := mustBuild(t, f.registry, "semantic", nil)

	_, err := j.Run(context.Background())
	var se *SemanticError
	if !errors.As(err, &se) {
		t.Fatalf("expected SemanticError, got %v", err)
	}
	if IsRecoverable(err) {
		t.Error("semantic failure should not be recoverable")
	}
	if j.Status() != domain.StatusError {
		t.Errorf("expected error status, got %s", j.Status())
	}

	joinErr := j.Join(context.Background())
	var je *JobError
	if !errors.As(joinErr, &je) {
		t.Fatalf("expected JobError from join, got %v", joinErr)
	}
	if je.Kind != domain.ExceptionSemantic || IsRecoverable(joinErr) {
		t.Errorf("join error should keep semantic class, got %+v", je)
	}
}

func TestRun_SystemFailureRecoverable(t *testing.T) {
	f := newFixture(t, t.TempDir())
	j := mustBuild(t, f.registry, "system", nil)

	_, err := j.Run(context.Background())
	if err == nil || !IsRecoverable(err) {
		t.Fatalf("expected recoverable error, got %v", err)
	}

	info, _ := j.Info()
	if info.Exception == nil || info.Exception.Kind != domain.ExceptionSystem || !info.Exception.Recoverable {
		t.Errorf("unexpected exception %+v", info.Exception)
	}
	if info.FinishedAt == nil {
		t.Error("end time should be recorded")
	}

	// Повторный run выполняет тело заново
	_, _ = j.Run(context.Background())
	if f.called("system") != 2 {
		t.Errorf("failed job should rerun, got %d calls", f.called("system"))
	}
}

func TestRun_Cancelled(t *testing.T) {
	r := NewRegistry(Config{Root: t.TempDir(), Logger: quietLogger()})
	addStreamer(t, r, func(ctx context.Context, job *Job, in Inputs) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	j, err := r.Build("streams", "produce", nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = j.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if IsRecoverable(err) {
		t.Error("cancellation should not be recoverable")
	}
	if j.Status() != domain.StatusAborted {
		t.Errorf("expected aborted, got %s", j.Status())
	}
}

func TestRun_PanicBecomesError(t *testing.T) {
	r := NewRegistry(Config{Root: t.TempDir(), Logger: quietLogger()})
	addStreamer(t, r, func(ctx context.Context, job *Job, in Inputs) (any, error) {
		panic("boom")
	})
	j, _ := r.Build("streams", "produce", nil)

	if _, err := j.Run(context.Background()); !errors.Is(err, ErrBodyPanic) {
		t.Errorf("expected ErrBodyPanic, got %v", err)
	}
}

// --- Stream Result Tests ---

func TestRun_StreamResult(t *testing.T) {
	r := NewRegistry(Config{Root: t.TempDir(), Logger: quietLogger()})
	addStreamer(t, r, func(ctx context.Context, job *Job, in Inputs) (any, error) {
		return stream.Produce(func(ctx context.Context, w io.Writer) error {
			_, err := io.WriteString(w, "chunk-1 chunk-2")
			return err
		}), nil
	})
	j, _ := r.Build("streams", "produce", nil)

	result, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, ok := result.(*stream.Stream)
	if !ok {
		t.Fatalf("expected *stream.Stream, got %T", result)
	}
	if j.Status() != domain.StatusStreaming {
		t.Errorf("expected streaming, got %s", j.Status())
	}

	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "chunk-1 chunk-2" {
		t.Errorf("unexpected data %q", data)
	}
	if j.Status() != domain.StatusDone {
		t.Errorf("expected done after drain, got %s", j.Status())
	}

	stored, err := j.Result()
	if err != nil {
		t.Fatal(err)
	}
	if string(stored.([]byte)) != "chunk-1 chunk-2" {
		t.Errorf("persisted result differs: %q", stored)
	}
}

func TestRun_StreamAbort(t *testing.T) {
	r := NewRegistry(Config{Root: t.TempDir(), Logger: quietLogger()})
	addStreamer(t, r, func(ctx context.Context, job *Job, in Inputs) (any, error) {
		return stream.Produce(func(ctx context.Context, w io.Writer) error {
			<-ctx.Done()
			return ctx.Err()
		}), nil
	})
	j, _ := r.Build("streams", "produce", nil)

	result, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result.(*stream.Stream).Abort(nil)

	if j.Status() != domain.StatusAborted {
		t.Errorf("expected aborted, got %s", j.Status())
	}
	info, _ := j.Info()
	if info.Exception == nil || info.Exception.Kind != domain.ExceptionCancelled {
		t.Errorf("expected cancelled exception, got %+v", info.Exception)
	}

	// Блокировка запуска освобождена: повторный запуск не зависает
	done := make(chan struct{})
	go func() {
		defer close(done)
		if s, err := j.Run(context.Background()); err == nil {
			s.(*stream.Stream).Abort(nil)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run after abort blocked")
	}
}

func TestRun_StreamClosedEarly(t *testing.T) {
	r := NewRegistry(Config{Root: t.TempDir(), Logger: quietLogger()})
	exited := make(chan struct{})
	addStreamer(t, r, func(ctx context.Context, job *Job, in Inputs) (any, error) {
		return stream.Produce(func(ctx context.Context, w io.Writer) error {
			defer close(exited)
			for {
				if _, err := io.WriteString(w, "endless "); err != nil {
					return err
				}
			}
		}), nil
	})
	j, _ := r.Build("streams", "produce", nil)

	result, err := j.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := result.(*stream.Stream)
	buf := make([]byte, 4)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err == nil {
		t.Error("expected error closing an unfinished result")
	}

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("body producer leaked after early close")
	}
	if !j.Status().IsFailed() {
		t.Errorf("incomplete result must not be done, got %s", j.Status())
	}
}

func TestRun_MaterializeStream(t *testing.T) {
	r := NewRegistry(Config{Root: t.TempDir(), Logger: quietLogger()})
	addStreamer(t, r, func(ctx context.Context, job *Job, in Inputs) (any, error) {
		return stream.Produce(func(ctx context.Context, w io.Writer) error {
			_, err := io.WriteString(w, "whole")
			return err
		}), nil
	})
	j, _ := r.Build("streams", "produce", nil)

	result, err := j.Run(context.Background(), Materialize())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.([]byte)) != "whole" {
		t.Errorf("unexpected result %q", result)
	}
	if j.Status() != domain.StatusDone {
		t.Errorf("expected done, got %s", j.Status())
	}
}

// --- Join / Clean Tests ---

func TestJoin_NotPresent(t *testing.T) {
	f := newFixture(t, t.TempDir())
	j := mustBuild(t, f.registry, "a", nil)

	if err := j.Join(context.Background()); err != nil {
		t.Errorf("join of a fresh job should return, got %v", err)
	}
}

func TestJoin_WaitsForOtherWriter(t *testing.T) {
	root := t.TempDir()
	f := newFixture(t, root)
	j := mustBuild(t, f.registry, "a", nil)

	// Имитируем удалённую сторону: job отправлен, но ещё не завершён
	if err := j.MarkSubmitted(context.Background(), "ext-1", ""); err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- j.Join(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	other := newFixture(t, root)
	if _, err := mustBuild(t, other.registry, "a", nil).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected join error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("join did not observe completion")
	}
}

func TestJoin_ContextCancelled(t *testing.T) {
	f := newFixture(t, t.TempDir())
	j := mustBuild(t, f.registry, "a", nil)
	if err := j.MarkSubmitted(context.Background(), "ext-1", ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := j.Join(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestClean_ResetsToWaiting(t *testing.T) {
	f := newFixture(t, t.TempDir())
	j := mustBuild(t, f.registry, "a", nil)

	if _, err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := j.MkFilesDir(); err != nil {
		t.Fatal(err)
	}

	if err := j.Clean(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.Status() != domain.StatusWaiting {
		t.Errorf("expected waiting, got %s", j.Status())
	}
	for _, p := range []string{j.Path(), repo.InfoPath(j.Path()), j.FilesDir()} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s should be removed", p)
		}
	}

	if _, err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.called("a") != 2 {
		t.Errorf("cleaned job should rerun, got %d calls", f.called("a"))
	}
}

func TestStatus_StaleRunningIsError(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	deadPID := cmd.Process.Pid

	f := newFixture(t, t.TempDir())
	j := mustBuild(t, f.registry, "a", nil)
	host, _ := os.Hostname()
	if err := f.registry.Repo().Save(j.Path(), &domain.JobInfo{
		Status: domain.StatusRunning,
		PID:    deadPID,
		Host:   host,
	}); err != nil {
		t.Fatal(err)
	}

	if j.Status() != domain.StatusError {
		t.Errorf("expected stale running to be error, got %s", j.Status())
	}
	err := j.Join(context.Background())
	if err == nil || !IsRecoverable(err) {
		t.Errorf("expected recoverable join error, got %v", err)
	}
}

func TestUpdated_DependencyNewer(t *testing.T) {
	root := t.TempDir()
	f := newFixture(t, root)
	r := NewRegistry(Config{Root: root, Logger: quietLogger(), CheckUpdated: true})
	for _, wf := range f.registry.Workflows() {
		if err := r.Register(wf); err != nil {
			t.Fatal(err)
		}
	}

	b, err := r.Build("test", "b", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !b.Updated() {
		t.Fatal("fresh job should be updated")
	}

	// Результат зависимости стал новее
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(b.Dependencies()[0].Path(), future, future); err != nil {
		t.Fatal(err)
	}
	if b.Updated() {
		t.Error("job with newer dependency output should not be updated")
	}
	if !b.IsDone() {
		t.Error("staleness should not change done status")
	}
}

func TestLog_AppendsMessages(t *testing.T) {
	f := newFixture(t, t.TempDir())
	j := mustBuild(t, f.registry, "a", nil)

	if err := j.Log(context.Background(), "step 1"); err != nil {
		t.Fatal(err)
	}
	if err := j.Log(context.Background(), "step 2"); err != nil {
		t.Fatal(err)
	}
	info, _ := j.Info()
	if info.LastMessage() != "step 2" || len(info.Messages) != 2 {
		t.Errorf("unexpected messages %v", info.Messages)
	}
}

func TestMarkLost(t *testing.T) {
	f := newFixture(t, t.TempDir())
	rec := &recorder{}
	f.registry.AddObserver(rec)

	lost := mustBuild(t, f.registry, "a", map[string]any{"cpus": 2})
	marked, err := lost.MarkLost(context.Background(), errors.New("submit script died"))
	if err != nil || !marked {
		t.Fatalf("expected waiting job to be marked, got %v (%v)", marked, err)
	}
	if lost.Status() != domain.StatusError || !IsRecoverable(lost.Err()) {
		t.Errorf("expected recoverable error, got %s (%v)", lost.Status(), lost.Err())
	}
	if got := rec.seen(); len(got) != 1 || got[0] != domain.StatusError {
		t.Errorf("expected one error transition, got %v", got)
	}

	done := mustBuild(t, f.registry, "b", nil)
	if _, err := done.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if marked, err := done.MarkLost(context.Background(), nil); err != nil || marked {
		t.Errorf("finished job must not be marked, got %v (%v)", marked, err)
	}
	if !done.IsDone() {
		t.Errorf("expected done, got %s", done.Status())
	}
}

func TestArchive(t *testing.T) {
	f := newFixture(t, t.TempDir())
	b := mustBuild(t, f.registry, "b", nil)
	if _, err := b.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	dep := b.Dependencies()[0]
	if err := b.Archive(context.Background(), dep); err != nil {
		t.Fatal(err)
	}
	info, _ := b.Info()
	archived, ok := info.Archived[dep.Path()]
	if !ok || archived.Status != domain.StatusDone {
		t.Errorf("dependency metadata should be archived, got %+v", info.Archived)
	}
}
