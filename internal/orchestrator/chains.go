package orchestrator

import (
	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/rules"
)

// ChainMatch — связное множество job одной цепочки.
type ChainMatch struct {
	Chain *rules.Chain

	// Top — член множества, ближайший к seeds.
	Top *engine.Job

	// Jobs — члены множества, Top первым.
	Jobs []*engine.Job
}

// JobChains находит множества job, объединяемых цепочками doc.
//
// Цепочки рассматриваются в порядке объявления, job — от seeds
// к листьям. Первый не занятый job, подходящий цепочке, становится
// верхним; множество растёт вниз по незавершённым зависимостям,
// подходящим той же цепочке. Каждый job входит не более чем в одно
// множество.
func JobChains(w Workload, doc *rules.Document) ([]*ChainMatch, error) {
	if doc == nil || len(doc.Chains) == 0 {
		return nil, nil
	}

	topDown, err := w.topDown()
	if err != nil {
		return nil, err
	}

	assigned := make(map[*engine.Job]bool)
	var matches []*ChainMatch

	for _, chain := range doc.Chains {
		for _, top := range topDown {
			if assigned[top] || !chain.Matches(top.Workflow(), top.TaskName()) {
				continue
			}

			m := &ChainMatch{Chain: chain, Top: top}
			assigned[top] = true
			queue := []*engine.Job{top}
			for len(queue) > 0 {
				j := queue[0]
				queue = queue[1:]
				m.Jobs = append(m.Jobs, j)

				for _, d := range w[j] {
					if assigned[d] || !chain.Matches(d.Workflow(), d.TaskName()) {
						continue
					}
					assigned[d] = true
					queue = append(queue, d)
				}
			}
			matches = append(matches, m)
		}
	}
	return matches, nil
}
