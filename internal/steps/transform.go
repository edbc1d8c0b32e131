package steps

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shaiso/Stepflow/internal/engine"
)

// TaskTransform — задача трансформации данных.
const TaskTransform = "transform"

// transformTask рендерит template (text/template) над входами,
// результатом job из входа source и результатами зависимостей.
// Отрендеренный текст, если это JSON, сохраняется как JSON-значение.
//
//	{{ len .Source.items }}
//	{{ range .Source.items }}{{ .id }},{{ end }}
func transformTask() *engine.Task {
	return &engine.Task{
		Name:        TaskTransform,
		Description: "Render a template over inputs and upstream results",
		Inputs: []engine.Input{
			{Name: "template", Type: engine.TypeString, Description: "text/template source"},
			{Name: "source", Type: engine.TypeJob, Description: "job whose result is .Source"},
			{Name: "data", Type: engine.TypeString, Default: "", Description: "JSON document exposed as .Data"},
		},
		Body: func(ctx context.Context, job *engine.Job, in engine.Inputs) (any, error) {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrStepCancelled, ctx.Err())
			default:
			}

			tmplCtx, err := templateContext(job, in)
			if err != nil {
				return nil, err
			}

			rendered, err := Render(in.String("template"), tmplCtx)
			if err != nil {
				return nil, engine.Failf("%w: %s", err, TaskTransform)
			}
			return parseValue(rendered), nil
		},
	}
}

func templateContext(job *engine.Job, in engine.Inputs) (*Context, error) {
	inputs := make(map[string]any, len(in))
	for k, v := range in {
		if dep, ok := v.(*engine.Job); ok {
			inputs[k] = dep.Identity()
			continue
		}
		inputs[k] = v
	}
	c := NewContext(inputs)

	if src := in.Job("source"); src != nil {
		v, err := resultValue(src)
		if err != nil {
			return nil, err
		}
		c.Source = v
	}

	if data := in.String("data"); data != "" {
		if err := json.Unmarshal([]byte(data), &c.Data); err != nil {
			return nil, engine.Failf("%w: %s: data is not JSON: %v", ErrInvalidConfig, TaskTransform, err)
		}
	}

	for _, dep := range job.AllDependencies() {
		v, err := resultValue(dep)
		if err != nil {
			return nil, err
		}
		c.Deps[dep.TaskName()] = v
	}
	return c, nil
}

// resultValue возвращает результат job; сырые байты становятся
// JSON-значением, если разбираются, иначе строкой.
func resultValue(j *engine.Job) (any, error) {
	v, err := j.Result()
	if err != nil {
		return nil, fmt.Errorf("result of %s: %w", j.Identity(), err)
	}
	if b, ok := v.([]byte); ok {
		return parseValue(string(b)), nil
	}
	return v, nil
}
