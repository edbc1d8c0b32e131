package steps

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/stream"
)

func newRegistry(t *testing.T, cfg Config) *engine.Registry {
	t.Helper()
	r := engine.NewRegistry(engine.Config{
		Root:   t.TempDir(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := Register(r, cfg); err != nil {
		t.Fatalf("register std: %v", err)
	}
	return r
}

func run(t *testing.T, r *engine.Registry, task string, inputs map[string]any) (*engine.Job, any, error) {
	t.Helper()
	job, err := r.Build(WorkflowName, task, inputs)
	if err != nil {
		t.Fatalf("build %s: %v", task, err)
	}
	result, err := job.Run(context.Background(), engine.Materialize())
	return job, result, err
}

// Workflow Tests

func TestWorkflow_Tasks(t *testing.T) {
	wf := Workflow(Config{})
	for _, name := range []string{TaskDelay, TaskShell, TaskHTTP, TaskTransform} {
		if _, ok := wf.Task(name); !ok {
			t.Errorf("std should have %s", name)
		}
	}
	if len(wf.Tasks()) != 4 {
		t.Errorf("expected 4 tasks, got %d", len(wf.Tasks()))
	}
}

// Delay Tests

func TestDelay_Success(t *testing.T) {
	r := newRegistry(t, Config{})
	_, result, err := run(t, r, TaskDelay, map[string]any{"seconds": 0.01})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("expected map result, got %T", result)
	}
	if m["duration_ms"] != float64(10) {
		t.Errorf("expected duration_ms 10, got %v", m["duration_ms"])
	}
}

func TestDelay_ContextCancel(t *testing.T) {
	r := newRegistry(t, Config{})
	job, err := r.Build(WorkflowName, TaskDelay, map[string]any{"seconds": 60})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = job.Run(ctx)
	if !errors.Is(err, ErrStepCancelled) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if engine.IsRecoverable(err) {
		t.Error("cancellation should not be recoverable")
	}
}

func TestDelay_Negative(t *testing.T) {
	r := newRegistry(t, Config{})
	_, _, err := run(t, r, TaskDelay, map[string]any{"seconds": -1})

	var se *engine.SemanticError
	if !errors.As(err, &se) || !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected semantic ErrInvalidConfig, got %v", err)
	}
}

// Shell Tests

func TestShell_StreamsStdout(t *testing.T) {
	r := newRegistry(t, Config{})
	_, result, err := run(t, r, TaskShell, map[string]any{"command": "echo hello; echo world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b, ok := result.([]byte)
	if !ok {
		t.Fatalf("expected raw result, got %T", result)
	}
	if string(b) != "hello\nworld\n" {
		t.Errorf("unexpected output %q", b)
	}
}

func TestShell_Environment(t *testing.T) {
	r := newRegistry(t, Config{Env: []string{"GREETING=hi"}})
	job, result, err := run(t, r, TaskShell, map[string]any{"command": `echo "$GREETING $STEPFLOW_JOB"`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "hi " + job.Identity() + "\n"
	if string(result.([]byte)) != want {
		t.Errorf("expected %q, got %q", want, result)
	}
}

func TestShell_ExitCode(t *testing.T) {
	r := newRegistry(t, Config{})
	_, _, err := run(t, r, TaskShell, map[string]any{"command": "echo partial; echo oops >&2; exit 3"})

	var pe *stream.ProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProcessError, got %v", err)
	}
	if !strings.Contains(pe.Message, "oops") {
		t.Errorf("expected stderr tail in error, got %q", pe.Message)
	}
	if !engine.IsRecoverable(err) {
		t.Error("process failure should be recoverable")
	}
}

func TestShell_MissingCommand(t *testing.T) {
	r := newRegistry(t, Config{})
	if _, _, err := run(t, r, TaskShell, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// HTTP Tests

func TestHTTP_StreamsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Write([]byte(`{"items":[1,2]}`))
	}))
	defer server.Close()

	r := newRegistry(t, Config{})
	_, result, err := run(t, r, TaskHTTP, map[string]any{"url": server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.([]byte)) != `{"items":[1,2]}` {
		t.Errorf("unexpected body %q", result)
	}
}

func TestHTTP_PostWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer server.Close()

	r := newRegistry(t, Config{HTTPClient: server.Client()})
	_, result, err := run(t, r, TaskHTTP, map[string]any{
		"url":    server.URL,
		"method": "POST",
		"body":   `{"name":"test"}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result.([]byte)) != `{"name":"test"}` {
		t.Errorf("expected echoed body, got %q", result)
	}
}

func TestHTTP_ErrorStatus(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		recoverable bool
	}{
		{"client error", http.StatusNotFound, false},
		{"server error", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("nope"))
			}))
			defer server.Close()

			r := newRegistry(t, Config{})
			_, _, err := run(t, r, TaskHTTP, map[string]any{"url": server.URL})

			var he *HTTPError
			if !errors.As(err, &he) {
				t.Fatalf("expected HTTPError, got %v", err)
			}
			if he.StatusCode != tt.status || he.Body != "nope" {
				t.Errorf("unexpected error %+v", he)
			}
			if engine.IsRecoverable(err) != tt.recoverable {
				t.Errorf("expected recoverable=%v for %d", tt.recoverable, tt.status)
			}
		})
	}
}

func TestHTTP_InvalidMethod(t *testing.T) {
	r := newRegistry(t, Config{})
	if _, err := r.Build(WorkflowName, TaskHTTP, map[string]any{"url": "http://x", "method": "BREW"}); err == nil {
		t.Error("expected error for method outside options")
	}
}

// Transform Tests

func TestTransform_Source(t *testing.T) {
	r := newRegistry(t, Config{})
	src, err := r.Build(WorkflowName, TaskShell, map[string]any{"command": `echo '{"items":[{"id":1},{"id":2},{"id":3}]}'`})
	if err != nil {
		t.Fatal(err)
	}

	_, result, err := run(t, r, TaskTransform, map[string]any{
		"source":   src,
		"template": `{{ len .Source.items }}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != float64(3) {
		t.Errorf("expected 3, got %v (%T)", result, result)
	}
	if !src.IsDone() {
		t.Error("source should run as a dependency")
	}
}

func TestTransform_DataAndFuncs(t *testing.T) {
	r := newRegistry(t, Config{})
	_, result, err := run(t, r, TaskTransform, map[string]any{
		"data":     `{"name":"stepflow","tags":["a","b"]}`,
		"template": `{"name":"{{ upper .Data.name }}","tags":"{{ join "," .Data.tags }}"}`,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("expected JSON object, got %T", result)
	}
	if m["name"] != "STEPFLOW" || m["tags"] != "a,b" {
		t.Errorf("unexpected result %v", m)
	}
}

func TestTransform_BadTemplate(t *testing.T) {
	r := newRegistry(t, Config{})
	_, _, err := run(t, r, TaskTransform, map[string]any{"template": "{{ .Inputs"})

	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
	if engine.IsRecoverable(err) {
		t.Error("template error should be semantic")
	}
}

func TestTransform_BadData(t *testing.T) {
	r := newRegistry(t, Config{})
	if _, _, err := run(t, r, TaskTransform, map[string]any{"data": "{", "template": "x"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// Template Tests

func TestRender(t *testing.T) {
	ctx := NewContext(map[string]any{"name": "world", "empty": ""})

	tests := []struct {
		tmpl string
		want string
	}{
		{"plain text", "plain text"},
		{"hello {{ .Inputs.name }}", "hello world"},
		{`{{ default "x" .Inputs.empty }}`, "x"},
		{`{{ coalesce .Inputs.empty .Inputs.name }}`, "world"},
		{`{{ replace "a-b" "-" "+" }}`, "a+b"},
		{`{{ toJSON .Inputs.name }}`, `"world"`},
		{`{{ if hasPrefix .Inputs.name "wo" }}yes{{ end }}`, "yes"},
	}

	for _, tt := range tests {
		got, err := Render(tt.tmpl, ctx)
		if err != nil {
			t.Errorf("Render(%q): %v", tt.tmpl, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
		}
	}
}

func TestParseValue(t *testing.T) {
	if v := parseValue("42"); v != int64(42) {
		t.Errorf("expected int64 42, got %v (%T)", v, v)
	}
	if v := parseValue("1.5"); v != 1.5 {
		t.Errorf("expected 1.5, got %v", v)
	}
	if v := parseValue("true"); v != true {
		t.Errorf("expected true, got %v", v)
	}
	if v := parseValue("hello"); v != "hello" {
		t.Errorf("expected string, got %v", v)
	}
	if v := parseValue("1 2"); v != "1 2" {
		t.Errorf("trailing data should keep string, got %v", v)
	}
	if _, ok := parseValue(`{"a":1}`).(map[string]any); !ok {
		t.Error("expected object")
	}
}
