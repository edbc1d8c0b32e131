package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Stepflow/internal/engine"
)

// TaskDelay — задача задержки.
const TaskDelay = "delay"

// delayTask приостанавливает выполнение на seconds секунд.
// Отмена контекста прерывает ожидание.
//
// Результат: {"duration_ms": 1500}
func delayTask() *engine.Task {
	return &engine.Task{
		Name:        TaskDelay,
		Description: "Sleep for the given number of seconds",
		Inputs: []engine.Input{
			{Name: "seconds", Type: engine.TypeFloat, Default: 1.0, Description: "delay in seconds"},
		},
		Body: func(ctx context.Context, job *engine.Job, in engine.Inputs) (any, error) {
			seconds := in.Float("seconds")
			if seconds < 0 {
				return nil, engine.Failf("%w: %s: seconds must be >= 0, got %v", ErrInvalidConfig, TaskDelay, seconds)
			}
			duration := time.Duration(seconds * float64(time.Second))

			timer := time.NewTimer(duration)
			defer timer.Stop()

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrStepCancelled, ctx.Err())
			case <-timer.C:
				return map[string]any{"duration_ms": duration.Milliseconds()}, nil
			}
		},
	}
}
