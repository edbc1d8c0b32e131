package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/shaiso/Stepflow/internal/domain"
)

// fixture — тестовый workflow со счётчиками вызовов тел.
type fixture struct {
	registry *Registry
	mu       sync.Mutex
	calls    map[string]int
}

func (f *fixture) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fixture) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, root string) *fixture {
	t.Helper()

	f := &fixture{calls: make(map[string]int)}
	f.registry = NewRegistry(Config{Root: root, Logger: quietLogger()})

	wf := NewWorkflow("test")
	wf.MustAdd(&Task{
		Name: "a",
		Inputs: []Input{
			{Name: "cpus", Type: TypeInteger, Default: 1},
			{Name: "label", Type: TypeString, Default: "x"},
		},
		Body: func(ctx context.Context, job *Job, in Inputs) (any, error) {
			f.count("a")
			return map[string]any{"cpus": in.Int("cpus")}, nil
		},
	})
	wf.MustAdd(&Task{
		Name:   "b",
		Inputs: []Input{{Name: "cpus", Type: TypeInteger, Default: 1}},
		Deps:   []Dependency{{Task: "a"}},
		Body: func(ctx context.Context, job *Job, in Inputs) (any, error) {
			f.count("b")
			return job.Dependencies()[0].Result()
		},
	})
	wf.MustAdd(&Task{
		Name: "semantic",
		Body: func(ctx context.Context, job *Job, in Inputs) (any, error) {
			f.count("semantic")
			return nil, Fail("bad input data")
		},
	})
	wf.MustAdd(&Task{
		Name: "system",
		Body: func(ctx context.Context, job *Job, in Inputs) (any, error) {
			f.count("system")
			return nil, errors.New("disk went away")
		},
	})
	wf.MustAdd(&Task{
		Name: "bytes",
		Body: func(ctx context.Context, job *Job, in Inputs) (any, error) {
			return []byte("raw data"), nil
		},
	})
	wf.MustAdd(&Task{
		Name:   "consume",
		Inputs: []Input{{Name: "src", Type: TypeJob}},
		Body: func(ctx context.Context, job *Job, in Inputs) (any, error) {
			return in.Job("src").Result()
		},
	})
	wf.MustAdd(&Task{
		Name:   "dynamic",
		Inputs: []Input{{Name: "with_a", Type: TypeBoolean, Default: false}},
		Deps: []Dependency{{Resolver: func(req ResolveRequest) ([]DepTarget, error) {
			if !req.Inputs.Bool("with_a") {
				return nil, nil
			}
			return []DepTarget{{Task: "a", Overrides: Overrides{"cpus": 2}}}, nil
		}}},
		Body: func(ctx context.Context, job *Job, in Inputs) (any, error) {
			return len(job.Dependencies()), nil
		},
	})
	wf.MustAdd(&Task{
		Name: "loop",
		Deps: []Dependency{{Task: "loop"}},
		Body: func(ctx context.Context, job *Job, in Inputs) (any, error) {
			return nil, nil
		},
	})

	if err := f.registry.Register(wf); err != nil {
		t.Fatalf("register: %v", err)
	}
	return f
}

func mustBuild(t *testing.T, r *Registry, task string, inputs map[string]any) *Job {
	t.Helper()
	j, err := r.Build("test", task, inputs)
	if err != nil {
		t.Fatalf("build %s: %v", task, err)
	}
	return j
}

// --- Identity Tests ---

func TestBuild_DefaultInputsHaveNoHash(t *testing.T) {
	f := newFixture(t, t.TempDir())

	j := mustBuild(t, f.registry, "a", nil)
	if filepath.Base(j.Path()) != DefaultJobName {
		t.Errorf("expected path to end with Default, got %s", j.Path())
	}
	if j.Identity() != "test/a/Default" {
		t.Errorf("unexpected identity %s", j.Identity())
	}

	// Явная передача значения по умолчанию не меняет идентичность
	same := mustBuild(t, f.registry, "a", map[string]any{"cpus": 1, "label": "x"})
	if same != j {
		t.Errorf("default-valued inputs should give the same job: %s vs %s", same.Path(), j.Path())
	}
}

func TestBuild_NonDefaultInputChangesIdentity(t *testing.T) {
	f := newFixture(t, t.TempDir())

	def := mustBuild(t, f.registry, "a", nil)
	four := mustBuild(t, f.registry, "a", map[string]any{"cpus": 4})

	if def.Path() == four.Path() {
		t.Fatal("cpus=4 should give a distinct path")
	}
	if !strings.HasPrefix(filepath.Base(four.Path()), DefaultJobName+"_") {
		t.Errorf("expected hashed label, got %s", four.Path())
	}
	if got := len(filepath.Base(four.Path())) - len(DefaultJobName+"_"); got != hashLength {
		t.Errorf("expected %d hash chars, got %d", hashLength, got)
	}

	// Строковое "4" приводится к целому — та же идентичность
	str := mustBuild(t, f.registry, "a", map[string]any{"cpus": "4"})
	if str != four {
		t.Errorf("coerced input should give the same job: %s vs %s", str.Path(), four.Path())
	}
}

func TestBuild_DeterministicAcrossRegistries(t *testing.T) {
	root := t.TempDir()
	first := newFixture(t, root)
	second := newFixture(t, root)

	in1 := map[string]any{"cpus": 3, "label": "y"}
	in2 := map[string]any{"label": "y", "cpus": float64(3)}

	a := mustBuild(t, first.registry, "a", in1)
	b := mustBuild(t, second.registry, "a", in2)
	if a.Path() != b.Path() {
		t.Errorf("same inputs should give the same path: %s vs %s", a.Path(), b.Path())
	}
}

func TestBuild_UnrelatedInputsIgnored(t *testing.T) {
	f := newFixture(t, t.TempDir())

	j := mustBuild(t, f.registry, "a", map[string]any{"unknown": 42})
	if j != mustBuild(t, f.registry, "a", nil) {
		t.Error("undeclared inputs should not affect identity")
	}
}

func TestBuild_JobName(t *testing.T) {
	f := newFixture(t, t.TempDir())

	j := mustBuild(t, f.registry, "b", map[string]any{JobNameInput: "nightly"})
	if filepath.Base(j.Path()) != "nightly" {
		t.Errorf("expected label nightly, got %s", j.Path())
	}
	// Зависимость наследует метку
	dep := j.Dependencies()[0]
	if dep.Name() != "nightly" {
		t.Errorf("dependency should inherit label, got %s", dep.Name())
	}
}

func TestBuild_DependencyInputsPropagate(t *testing.T) {
	f := newFixture(t, t.TempDir())

	b := mustBuild(t, f.registry, "b", map[string]any{"cpus": 4})
	a := mustBuild(t, f.registry, "a", map[string]any{"cpus": 4})

	deps := b.Dependencies()
	if len(deps) != 1 || deps[0] != a {
		t.Fatalf("b should depend on a(cpus=4), got %v", deps)
	}

	// Хэш-зависимость делает хэш и у зависимого
	plain := mustBuild(t, f.registry, "b", nil)
	if plain.Path() == b.Path() {
		t.Error("non-default dependency should change identity")
	}
	if filepath.Base(plain.Path()) != DefaultJobName {
		t.Errorf("default b should have no hash, got %s", plain.Path())
	}
}

func TestBuild_Resolver(t *testing.T) {
	f := newFixture(t, t.TempDir())

	none := mustBuild(t, f.registry, "dynamic", nil)
	if len(none.Dependencies()) != 0 {
		t.Errorf("expected no dependencies, got %d", len(none.Dependencies()))
	}

	with := mustBuild(t, f.registry, "dynamic", map[string]any{"with_a": true})
	deps := with.Dependencies()
	if len(deps) != 1 {
		t.Fatalf("expected 1 dependency, got %d", len(deps))
	}
	if deps[0].Inputs().Int("cpus") != 2 {
		t.Errorf("override should set cpus=2, got %v", deps[0].Inputs()["cpus"])
	}
}

func TestBuild_InvalidInput(t *testing.T) {
	f := newFixture(t, t.TempDir())

	_, err := f.registry.Build("test", "a", map[string]any{"cpus": "many"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBuild_UnknownTask(t *testing.T) {
	f := newFixture(t, t.TempDir())

	if _, err := f.registry.Build("test", "missing", nil); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
	if _, err := f.registry.Build("other", "a", nil); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestBuild_Cycle(t *testing.T) {
	f := newFixture(t, t.TempDir())

	if _, err := f.registry.Build("test", "loop", nil); !errors.Is(err, ErrDependencyCycle) {
		t.Errorf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestJob_SpecRebuildsSameIdentity(t *testing.T) {
	root := t.TempDir()
	f := newFixture(t, root)

	src := mustBuild(t, f.registry, "a", map[string]any{"cpus": 4})
	j := mustBuild(t, f.registry, "consume", map[string]any{"src": src})
	if len(j.InputDependencies()) != 1 || j.InputDependencies()[0] != src {
		t.Fatal("job input should be an input dependency")
	}

	data, err := json.Marshal(j.Spec())
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	var spec domain.JobSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("unmarshal spec: %v", err)
	}

	other := newFixture(t, root)
	rebuilt, err := other.registry.BuildSpec(spec)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.Path() != j.Path() {
		t.Errorf("rebuilt path differs: %s vs %s", rebuilt.Path(), j.Path())
	}
}

// --- Validation Tests ---

func TestValidateTask(t *testing.T) {
	body := func(ctx context.Context, job *Job, in Inputs) (any, error) { return nil, nil }

	tests := []struct {
		name string
		task *Task
		want error
	}{
		{"empty name", &Task{Body: body}, ErrEmptyTaskName},
		{"no body", &Task{Name: "x"}, ErrMissingBody},
		{"duplicate input", &Task{Name: "x", Body: body, Inputs: []Input{
			{Name: "a", Type: TypeString}, {Name: "a", Type: TypeString},
		}}, ErrDuplicateInput},
		{"unknown type", &Task{Name: "x", Body: body, Inputs: []Input{{Name: "a", Type: "blob"}}}, ErrUnknownInputType},
		{"bad default", &Task{Name: "x", Body: body, Inputs: []Input{{Name: "a", Type: TypeInteger, Default: "one"}}}, ErrInvalidInput},
		{"reserved name", &Task{Name: "x", Body: body, Inputs: []Input{{Name: JobNameInput, Type: TypeString}}}, ErrInvalidInput},
		{"select option", &Task{Name: "x", Body: body, Inputs: []Input{
			{Name: "mode", Type: TypeSelect, Options: []string{"fast", "slow"}, Default: "medium"},
		}}, ErrInvalidInput},
		{"empty dependency", &Task{Name: "x", Body: body, Deps: []Dependency{{}}}, ErrInvalidDependency},
		{"valid", &Task{Name: "x", Body: body, Inputs: []Input{{Name: "a", Type: TypeFloat, Default: 1}}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTask(tt.task)
			if tt.want == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestWorkflow_DuplicateTask(t *testing.T) {
	body := func(ctx context.Context, job *Job, in Inputs) (any, error) { return nil, nil }
	wf := NewWorkflow("w")
	if err := wf.Add(&Task{Name: "t", Body: body}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := wf.Add(&Task{Name: "t", Body: body}); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}
