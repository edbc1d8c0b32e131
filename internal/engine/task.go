package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// InputType — тип входного параметра задачи.
type InputType string

const (
	TypeString  InputType = "string"
	TypeInteger InputType = "integer"
	TypeFloat   InputType = "float"
	TypeBoolean InputType = "boolean"
	TypeArray   InputType = "array"
	TypeFile    InputType = "file"
	TypeSelect  InputType = "select"
	TypeJob     InputType = "job"
)

// JobNameInput — вход, задающий метку экземпляра job.
const JobNameInput = "jobname"

// DefaultJobName — метка экземпляра по умолчанию.
const DefaultJobName = "Default"

// validInputTypes — допустимые типы входов.
var validInputTypes = map[InputType]bool{
	TypeString:  true,
	TypeInteger: true,
	TypeFloat:   true,
	TypeBoolean: true,
	TypeArray:   true,
	TypeFile:    true,
	TypeSelect:  true,
	TypeJob:     true,
}

// Input — описание входного параметра задачи.
type Input struct {
	Name        string
	Type        InputType
	Description string
	Default     any

	// Options — допустимые значения для TypeSelect.
	Options []string
}

// Overrides — фиксированные значения входов зависимости.
type Overrides map[string]any

// DepTarget — результат resolver: либо тройка (workflow, task, overrides),
// либо уже построенный Job.
type DepTarget struct {
	Workflow  string
	Task      string
	Overrides Overrides
	Job       *Job
}

// ResolveRequest — данные, доступные динамическому resolver.
type ResolveRequest struct {
	// Name — метка экземпляра вызывающего job.
	Name string

	// Inputs — разрешённые входы вызывающего job.
	Inputs Inputs

	// Deps — зависимости, построенные до этой.
	Deps []*Job
}

// Resolver вычисляет зависимости по входам вызывающего job.
type Resolver func(req ResolveRequest) ([]DepTarget, error)

// Dependency — объявление зависимости задачи.
//
// Workflow пустой — тот же workflow, что у задачи. Если задан
// Resolver, Workflow/Task/Overrides игнорируются.
type Dependency struct {
	Workflow  string
	Task      string
	Overrides Overrides
	Resolver  Resolver
}

// BodyFunc — тело задачи.
//
// Возвращаемое значение: io.Reader (в т.ч. *stream.Stream) — потоковый
// результат; []byte — сырые байты; иное — JSON. nil — пустой результат.
type BodyFunc func(ctx context.Context, job *Job, in Inputs) (any, error)

// Task — описание единицы работы.
type Task struct {
	Workflow    string
	Name        string
	Description string

	// Extension — расширение файла результата (без точки).
	Extension string

	Inputs []Input
	Deps   []Dependency
	Body   BodyFunc
}

// QualifiedName возвращает имя вида workflow#task.
func (t *Task) QualifiedName() string {
	return t.Workflow + "#" + t.Name
}

// Input возвращает описание входа по имени.
func (t *Task) Input(name string) (Input, bool) {
	for _, in := range t.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// Inputs — разрешённые (приведённые к типам) входы job.
type Inputs map[string]any

// String возвращает строковый вход или "".
func (in Inputs) String(name string) string {
	switch v := in[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int возвращает целочисленный вход или 0.
func (in Inputs) Int(name string) int {
	v, err := coerceInt(in[name])
	if err != nil || v == nil {
		return 0
	}
	return v.(int)
}

// Float возвращает вещественный вход или 0.
func (in Inputs) Float(name string) float64 {
	v, err := coerceFloat(in[name])
	if err != nil || v == nil {
		return 0
	}
	return v.(float64)
}

// Bool возвращает логический вход или false.
func (in Inputs) Bool(name string) bool {
	v, _ := in[name].(bool)
	return v
}

// Strings возвращает вход-массив как срез строк.
func (in Inputs) Strings(name string) []string {
	items, _ := in[name].([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// Job возвращает вход-job или nil.
func (in Inputs) Job(name string) *Job {
	j, _ := in[name].(*Job)
	return j
}

// coerce приводит значение к объявленному типу входа.
// nil остаётся nil: вход без значения.
func coerce(in Input, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	var (
		out any
		err error
	)
	switch in.Type {
	case TypeString, TypeFile:
		out, err = coerceString(v)
	case TypeInteger:
		out, err = coerceInt(v)
	case TypeFloat:
		out, err = coerceFloat(v)
	case TypeBoolean:
		out, err = coerceBool(v)
	case TypeArray:
		out, err = coerceArray(v)
	case TypeSelect:
		out, err = coerceString(v)
		if err == nil && len(in.Options) > 0 && !contains(in.Options, out.(string)) {
			err = fmt.Errorf("%v is not one of %s", v, strings.Join(in.Options, ", "))
		}
	case TypeJob:
		if _, ok := v.(*Job); !ok {
			err = fmt.Errorf("expected job, got %T", v)
		}
		out = v
	default:
		out = v
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, in.Name, err)
	}
	return out, nil
}

func coerceString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int, int64, int32, float64, float32, bool, json.Number:
		return fmt.Sprint(x), nil
	default:
		return nil, fmt.Errorf("expected string, got %T", v)
	}
}

func coerceInt(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case int32:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("%v is not an integer", x)
		}
		return int(x), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return nil, err
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", x)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
}

func coerceFloat(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("expected float, got %T", v)
	}
}

func coerceBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", x)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("expected boolean, got %T", v)
	}
}

func coerceArray(v any) (any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return []any{}, nil
		}
		parts := strings.Split(x, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, nil
	default:
		return []any{x}, nil
	}
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
