package orchestrator

import (
	"sort"
	"sync"

	"github.com/shaiso/Stepflow/internal/engine"
)

// dispatch — отправленный на выполнение batch.
type dispatch struct {
	deploy     string
	local      bool
	externalID string

	// done закрывается, когда локальный запуск или отправка завершились
	// (для внешних систем — только при ошибке отправки).
	done chan struct{}
	err  error
}

func newDispatch(deploy string, local bool) *dispatch {
	return &dispatch{deploy: deploy, local: local, done: make(chan struct{})}
}

// finish завершает dispatch с ошибкой err (nil — успех).
func (d *dispatch) finish(err error) {
	d.err = err
	close(d.done)
}

// finished возвращает true и ошибку, если dispatch завершён.
func (d *dispatch) finished() (bool, error) {
	select {
	case <-d.done:
		return true, d.err
	default:
		return false, nil
	}
}

// runState — состояние одного вызова ProcessJobs.
// Изменяется только горутиной цикла диспетчеризации.
type runState struct {
	workload Workload
	batches  []*Batch

	requests   map[*Batch]Resources
	pending    map[*Batch][]*Batch
	downstream map[*Batch][]*Batch

	done       map[*Batch]bool
	failed     map[*Batch]error
	failOrder  []*Batch
	retried    map[*Batch]bool
	erased     map[*Batch]bool
	dispatched map[*Batch]*dispatch

	// stale — batch, верхний job которых упал ещё до этого запуска.
	// Повторяются только после явной очистки.
	stale map[*Batch]bool

	res *reservations

	// Локальные запуски
	wg   sync.WaitGroup
	wake chan struct{}
}

func newRunState(w Workload, batches []*Batch, capacity Resources) *runState {
	st := &runState{
		workload:   w,
		batches:    batches,
		requests:   make(map[*Batch]Resources, len(batches)),
		pending:    make(map[*Batch][]*Batch, len(batches)),
		downstream: make(map[*Batch][]*Batch),
		done:       make(map[*Batch]bool),
		failed:     make(map[*Batch]error),
		retried:    make(map[*Batch]bool),
		erased:     make(map[*Batch]bool),
		dispatched: make(map[*Batch]*dispatch),
		stale:      make(map[*Batch]bool),
		res:        newReservations(capacity),
		wake:       make(chan struct{}, 1),
	}

	for _, b := range batches {
		st.requests[b] = Request(b.Rules, capacity)
		st.pending[b] = append([]*Batch(nil), b.Deps...)
		for _, u := range b.upstream {
			st.downstream[u] = append(st.downstream[u], b)
		}
		if b.Top.Status().IsFailed() {
			st.stale[b] = true
		}
	}
	return st
}

// resolved возвращает true, если batch завершён или окончательно упал.
func (st *runState) resolved(b *Batch) bool {
	_, failed := st.failed[b]
	return st.done[b] || failed
}

// finished возвращает true, если все batch разрешены.
func (st *runState) finished() bool {
	for _, b := range st.batches {
		if !st.resolved(b) {
			return false
		}
	}
	return true
}

// candidates возвращает неразрешённые batch без зависимостей,
// по убыванию веса запроса.
func (st *runState) candidates() []*Batch {
	var out []*Batch
	for _, b := range st.batches {
		if !st.resolved(b) && len(st.pending[b]) == 0 {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(a, c int) bool {
		return st.requests[out[a]].Weight() > st.requests[out[c]].Weight()
	})
	return out
}

// complete помечает batch завершённым и убирает его из зависимостей.
func (st *runState) complete(b *Batch) {
	st.done[b] = true
	for _, other := range st.batches {
		deps := st.pending[other]
		kept := deps[:0]
		for _, d := range deps {
			if d != b {
				kept = append(kept, d)
			}
		}
		st.pending[other] = kept
	}
}

// fail помечает batch окончательно упавшим.
func (st *runState) fail(b *Batch, err error) {
	if _, exists := st.failed[b]; exists {
		return
	}
	st.failed[b] = err
	st.failOrder = append(st.failOrder, b)
}

// firstFailure возвращает первую окончательную ошибку.
func (st *runState) firstFailure() error {
	if len(st.failOrder) == 0 {
		return nil
	}
	return st.failed[st.failOrder[0]]
}

// signal будит цикл диспетчеризации.
func (st *runState) signal() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// dependentsOf возвращает job графа, зависящие от j.
func (st *runState) dependentsOf(j *engine.Job) []*engine.Job {
	var out []*engine.Job
	for _, other := range st.workload.Jobs() {
		for _, d := range st.workload[other] {
			if d == j {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// Stats — статистика вызова ProcessJobs.
type Stats struct {
	Batches int
	Done    int
	Failed  int
	Retried int
	Blocked int
}

func (st *runState) stats() Stats {
	s := Stats{Batches: len(st.batches), Failed: len(st.failed), Retried: len(st.retried)}
	for _, b := range st.batches {
		switch {
		case st.done[b]:
			s.Done++
		case !st.resolved(b):
			s.Blocked++
		}
	}
	return s
}
