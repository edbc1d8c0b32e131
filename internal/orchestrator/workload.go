package orchestrator

import (
	"sort"

	"github.com/shaiso/Stepflow/internal/engine"
)

// Workload — граф нагрузки: job → его прямые и входные зависимости,
// которые ещё не DONE-и-актуальны.
type Workload map[*engine.Job][]*engine.Job

// WorkloadGraph строит граф нагрузки от seeds.
// Обход идёт только по незавершённым зависимостям.
func WorkloadGraph(seeds []*engine.Job) Workload {
	w := make(Workload)

	queue := append([]*engine.Job(nil), seeds...)
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		if _, seen := w[j]; seen {
			continue
		}

		pending := make([]*engine.Job, 0)
		for _, d := range j.AllDependencies() {
			if d.Updated() {
				continue
			}
			pending = append(pending, d)
			queue = append(queue, d)
		}
		w[j] = pending
	}
	return w
}

// Jobs возвращает job графа, упорядоченные по идентичности.
func (w Workload) Jobs() []*engine.Job {
	jobs := make([]*engine.Job, 0, len(w))
	for j := range w {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Identity() < jobs[b].Identity() })
	return jobs
}

// Dependents возвращает обратные рёбра: job → job, которые от него зависят.
func (w Workload) Dependents() map[*engine.Job][]*engine.Job {
	out := make(map[*engine.Job][]*engine.Job, len(w))
	for _, j := range w.Jobs() {
		for _, d := range w[j] {
			out[d] = append(out[d], j)
		}
	}
	return out
}

// Order возвращает топологический порядок графа: зависимости раньше
// зависимых (алгоритм Кана). Цикл — ErrCyclicDependency.
func (w Workload) Order() ([]*engine.Job, error) {
	// inDegree — число незавершённых зависимостей
	inDegree := make(map[*engine.Job]int, len(w))
	for j, deps := range w {
		inDegree[j] = len(deps)
	}
	dependents := w.Dependents()

	queue := make([]*engine.Job, 0)
	for _, j := range w.Jobs() {
		if inDegree[j] == 0 {
			queue = append(queue, j)
		}
	}

	order := make([]*engine.Job, 0, len(w))
	for len(queue) > 0 {
		j := queue[0]
		queue = queue[1:]
		order = append(order, j)

		for _, dep := range dependents[j] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(w) {
		return nil, ErrCyclicDependency
	}
	return order, nil
}

// topDown возвращает job от seeds к листьям.
func (w Workload) topDown() ([]*engine.Job, error) {
	order, err := w.Order()
	if err != nil {
		return nil, err
	}
	for i, k := 0, len(order)-1; i < k; i, k = i+1, k-1 {
		order[i], order[k] = order[k], order[i]
	}
	return order, nil
}
