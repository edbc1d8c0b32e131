package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shaiso/Stepflow/internal/batch"
	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/mq"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T, root string) *engine.Registry {
	t.Helper()

	r := engine.NewRegistry(engine.Config{Root: root, Logger: quietLogger()})
	wf := engine.NewWorkflow("test")
	wf.MustAdd(&engine.Task{
		Name:   "square",
		Inputs: []engine.Input{{Name: "n", Type: engine.TypeInteger, Default: 1}},
		Body: func(ctx context.Context, job *engine.Job, in engine.Inputs) (any, error) {
			n := in.Int("n")
			return n * n, nil
		},
	})
	wf.MustAdd(&engine.Task{
		Name: "invalid",
		Body: func(ctx context.Context, job *engine.Job, in engine.Inputs) (any, error) {
			return nil, engine.Fail("input rejected")
		},
	})
	if err := r.Register(wf); err != nil {
		t.Fatal(err)
	}
	return r
}

func submissionFor(t *testing.T, r *engine.Registry, task string, inputs map[string]any) (*engine.Job, *batch.Submission) {
	t.Helper()
	job, err := r.Build("test", task, inputs)
	if err != nil {
		t.Fatal(err)
	}
	return job, batch.NewSubmission(job, batch.Options{Batch: job.Identity(), Members: []string{job.Identity()}})
}

type countingMetrics struct {
	results map[string]int
}

func (m *countingMetrics) SubmissionProcessed(result string) { m.results[result]++ }

// --- Execute Tests ---

func TestExecute_Done(t *testing.T) {
	r := newRegistry(t, t.TempDir())
	job, sub := submissionFor(t, r, "square", map[string]any{"n": 3})

	res, err := Execute(context.Background(), r, sub)
	if err != nil || res != ResultDone {
		t.Fatalf("expected done, got %s (%v)", res, err)
	}

	result, err := job.Result()
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := result.(float64); !ok || v != 9 {
		t.Errorf("expected 9, got %v", result)
	}
}

func TestExecute_RemoteRegistry(t *testing.T) {
	root := t.TempDir()
	local := newRegistry(t, root)
	job, sub := submissionFor(t, local, "square", map[string]any{"n": 4})

	// Отдельный реестр над тем же корнем, как в другом процессе.
	remote := newRegistry(t, root)
	if res, err := Execute(context.Background(), remote, sub); res != ResultDone {
		t.Fatalf("expected done, got %s (%v)", res, err)
	}

	if job.Status() != domain.StatusDone {
		t.Errorf("local view should see remote result, got %s", job.Status())
	}
}

func TestExecute_JobFailureRecorded(t *testing.T) {
	r := newRegistry(t, t.TempDir())
	job, sub := submissionFor(t, r, "invalid", nil)

	res, err := Execute(context.Background(), r, sub)
	if res != ResultFailed || err == nil {
		t.Fatalf("expected failed, got %s (%v)", res, err)
	}
	if job.Status() != domain.StatusError {
		t.Errorf("expected error status in metadata, got %s", job.Status())
	}
}

func TestExecute_Rejections(t *testing.T) {
	root := t.TempDir()
	r := newRegistry(t, root)

	tests := []struct {
		name   string
		mutate func(s *batch.Submission)
		want   error
	}{
		{"unknown task", func(s *batch.Submission) { s.Task = "missing" }, nil},
		{"path mismatch", func(s *batch.Submission) { s.Path = filepath.Join(root, "elsewhere") }, ErrPathMismatch},
		{"root mismatch", func(s *batch.Submission) { s.Root = t.TempDir() }, ErrRootMismatch},
		{"no workflow", func(s *batch.Submission) { s.Workflow = "" }, batch.ErrInvalidSubmission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, sub := submissionFor(t, r, "square", map[string]any{"n": 2})
			tt.mutate(sub)

			res, err := Execute(context.Background(), r, sub)
			if res != ResultRejected {
				t.Fatalf("expected rejected, got %s (%v)", res, err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestExecute_RejectionMarksSubmittedJobFailed(t *testing.T) {
	r := newRegistry(t, t.TempDir())
	job, sub := submissionFor(t, r, "square", map[string]any{"n": 2})
	if err := job.MarkSubmitted(context.Background(), "ext-1", job.FilesDir()); err != nil {
		t.Fatal(err)
	}
	sub.Task = "missing"

	if res, _ := Execute(context.Background(), r, sub); res != ResultRejected {
		t.Fatalf("expected rejected, got %s", res)
	}

	if job.Status() != domain.StatusError {
		t.Fatalf("rejected job should be recorded as error, got %s", job.Status())
	}
	var je *engine.JobError
	if err := job.Err(); !errors.As(err, &je) || je.Kind != domain.ExceptionSemantic || je.Recoverable {
		t.Errorf("expected semantic JobError, got %v", err)
	}
}

func TestExecute_RejectionKeepsFinishedJob(t *testing.T) {
	r := newRegistry(t, t.TempDir())
	job, sub := submissionFor(t, r, "square", map[string]any{"n": 2})
	if res, err := Execute(context.Background(), r, sub); res != ResultDone {
		t.Fatalf("expected done, got %s (%v)", res, err)
	}

	sub.Task = "missing"
	if res, _ := Execute(context.Background(), r, sub); res != ResultRejected {
		t.Fatalf("expected rejected, got %s", res)
	}
	if !job.IsDone() {
		t.Errorf("finished job must not be overwritten, got %s", job.Status())
	}
}

func TestExecute_RejectionOutsideRootNotRecorded(t *testing.T) {
	r := newRegistry(t, t.TempDir())
	job, sub := submissionFor(t, r, "square", nil)
	if err := job.MarkSubmitted(context.Background(), "ext-1", ""); err != nil {
		t.Fatal(err)
	}
	sub.Root = t.TempDir()

	if res, _ := Execute(context.Background(), r, sub); res != ResultRejected {
		t.Fatalf("expected rejected, got %s", res)
	}
	if job.Status() != domain.StatusWaiting {
		t.Errorf("path outside the submission root must not be touched, got %s", job.Status())
	}
}

func TestExecSubmission(t *testing.T) {
	r := newRegistry(t, t.TempDir())
	job, sub := submissionFor(t, r, "square", map[string]any{"n": 5})

	path, err := batch.WriteSubmission(t.TempDir(), sub)
	if err != nil {
		t.Fatal(err)
	}
	if err := ExecSubmission(context.Background(), r, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !job.IsDone() {
		t.Errorf("expected done, got %s", job.Status())
	}

	if err := ExecSubmission(context.Background(), r, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing submission file")
	}
}

// --- Handler Tests ---

func TestHandleSubmitted(t *testing.T) {
	r := newRegistry(t, t.TempDir())
	m := &countingMetrics{results: make(map[string]int)}
	w := New(Config{Registry: r, Metrics: m, Logger: quietLogger()})

	_, ok := submissionFor(t, r, "square", map[string]any{"n": 6})
	_, bad := submissionFor(t, r, "invalid", nil)

	tests := []struct {
		name    string
		msg     mq.Message
		ack     bool
		requeue bool
	}{
		{"done", *mq.NewMessage(mq.MessageTypeJobSubmitted, ok), true, false},
		{"job failure is acked", *mq.NewMessage(mq.MessageTypeJobSubmitted, bad), true, false},
		{"wrong type", *mq.NewMessage("job.other", ok), false, false},
		{"garbage payload", *mq.NewMessage(mq.MessageTypeJobSubmitted, "not a submission"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.handleSubmitted(context.Background(), &mq.Delivery{Message: tt.msg})
			ack, requeue := mq.Disposition(err)
			if ack != tt.ack || requeue != tt.requeue {
				t.Errorf("expected ack=%v requeue=%v, got ack=%v requeue=%v (%v)",
					tt.ack, tt.requeue, ack, requeue, err)
			}
		})
	}

	if m.results[string(ResultDone)] != 1 || m.results[string(ResultFailed)] != 1 || m.results[string(ResultRejected)] != 2 {
		t.Errorf("unexpected metrics: %v", m.results)
	}
}

func TestDisposition_Requeue(t *testing.T) {
	err := disposition(ResultRequeued, context.Canceled)
	if ack, requeue := mq.Disposition(err); ack || !requeue {
		t.Errorf("interrupted submission should be requeued, got ack=%v requeue=%v", ack, requeue)
	}
}

// --- Lifecycle Tests ---

func TestNew_Defaults(t *testing.T) {
	w := New(Config{Registry: newRegistry(t, t.TempDir())})
	if w.prefetch != defaultPrefetch {
		t.Errorf("expected prefetch %d, got %d", defaultPrefetch, w.prefetch)
	}
	if w.logger == nil || w.metrics == nil {
		t.Error("logger and metrics should default")
	}
}

func TestWorker_StartAfterStop(t *testing.T) {
	w := New(Config{Registry: newRegistry(t, t.TempDir()), Logger: quietLogger()})
	w.Stop()

	if !w.IsStopped() {
		t.Error("worker should be stopped")
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped, got %v", err)
	}
}
