package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/rules"
)

// Options — параметры отправки batch.
type Options struct {
	// Batch — идентификатор batch (идентичность верхнего job).
	Batch string

	// Rules — сводные правила batch.
	Rules rules.Rules

	// Resources — запрошенные ресурсы.
	Resources map[string]float64

	// Members — идентичности всех job batch.
	Members []string
}

// System — внешняя batch-система.
//
// Submit передаёт верхний job batch на выполнение и не ждёт его
// завершения. Удалённая сторона запускает job (вместе с остальными
// членами batch как его зависимостями) и пишет метаданные в общий корень.
type System interface {
	Submit(ctx context.Context, job *engine.Job, opts Options) (externalID, workDir string, err error)
}

// Registry — реестр batch-систем по имени правила deploy.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]System
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{systems: make(map[string]System)}
}

// Register регистрирует систему под именем name.
func (r *Registry) Register(name string, s System) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.systems[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSystem, name)
	}
	r.systems[name] = s
	return nil
}

// Get возвращает систему по имени.
func (r *Registry) Get(name string) (System, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.systems[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSystem, name)
	}
	return s, nil
}

// Names возвращает имена зарегистрированных систем по алфавиту.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.systems))
	for name := range r.systems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
