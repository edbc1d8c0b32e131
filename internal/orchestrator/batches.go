package orchestrator

import (
	"sort"

	"github.com/shaiso/Stepflow/internal/engine"
	"github.com/shaiso/Stepflow/internal/rules"
)

// Batch — один или несколько job, развёртываемых вместе.
//
// Запуск верхнего job выполняет остальных членов как его зависимости.
type Batch struct {
	// ID — идентичность верхнего job.
	ID string

	// Top — верхний job.
	Top *engine.Job

	// Jobs — члены batch, Top первым.
	Jobs []*engine.Job

	// Chain — имя цепочки (пусто для одиночного batch).
	Chain string

	// Rules — сводные правила batch.
	Rules rules.Rules

	// Deps — минимальное множество batch, от которых зависит этот.
	Deps []*Batch

	// Seed — верхний job задан явно.
	Seed bool

	// upstream — все batch, на результаты которых ссылаются члены.
	upstream  []*Batch
	overrides rules.Rules
}

// Contains возвращает true, если job входит в batch.
func (b *Batch) Contains(j *engine.Job) bool {
	for _, m := range b.Jobs {
		if m == j {
			return true
		}
	}
	return false
}

// Deploy возвращает цель развёртывания batch (по умолчанию local).
func (b *Batch) Deploy() string {
	return b.Rules.String(rules.KeyDeploy, DeployLocal)
}

// Members возвращает идентичности членов batch.
func (b *Batch) Members() []string {
	out := make([]string, 0, len(b.Jobs))
	for _, j := range b.Jobs {
		out = append(out, j.Identity())
	}
	return out
}

// String возвращает идентификатор batch.
func (b *Batch) String() string {
	return b.ID
}

// JobBatches разбивает граф нагрузки на batch.
//
// Каждое множество цепочки — один batch, остальные job — одиночные
// batch. Правила членов накапливаются (rules.Accumulate), правила
// цепочки подмешиваются снизу. Batch с skip, верхний job которого не
// является seed, сливается с зависимым batch. Зависимости batch
// минимизируются: зависимость, достижимая через другую, отбрасывается.
//
// Batch возвращаются от листьев к seeds.
func JobBatches(w Workload, seeds []*engine.Job, doc *rules.Document) ([]*Batch, error) {
	order, err := w.Order()
	if err != nil {
		return nil, err
	}
	matches, err := JobChains(w, doc)
	if err != nil {
		return nil, err
	}

	isSeed := make(map[*engine.Job]bool, len(seeds))
	for _, s := range seeds {
		isSeed[s] = true
	}

	batchOf := make(map[*engine.Job]*Batch, len(w))
	var batches []*Batch

	for _, m := range matches {
		b := &Batch{
			ID:        m.Top.Identity(),
			Top:       m.Top,
			Jobs:      m.Jobs,
			Chain:     m.Chain.Name,
			Seed:      isSeed[m.Top],
			overrides: m.Chain.Overrides,
		}
		for _, j := range m.Jobs {
			batchOf[j] = b
		}
		batches = append(batches, b)
	}
	for _, j := range order {
		if batchOf[j] != nil {
			continue
		}
		b := &Batch{ID: j.Identity(), Top: j, Jobs: []*engine.Job{j}, Seed: isSeed[j]}
		batchOf[j] = b
		batches = append(batches, b)
	}

	for _, b := range batches {
		b.Rules = batchRules(b, doc)
	}

	batches = foldSkipped(w, batches, batchOf, doc)

	// Порядок: по позиции верхнего job в топологическом порядке.
	pos := make(map[*engine.Job]int, len(order))
	for i, j := range order {
		pos[j] = i
	}
	sortBatches(batches, pos)

	for _, b := range batches {
		b.upstream = upstreamOf(w, b, batchOf, batches)
	}
	for _, b := range batches {
		b.Deps = minimize(b.upstream)
	}
	return batches, nil
}

// batchRules накапливает правила членов и подмешивает правила цепочки.
func batchRules(b *Batch, doc *rules.Document) rules.Rules {
	if doc == nil {
		return rules.Rules{}
	}
	members := make([]rules.Rules, len(b.Jobs))
	for i, j := range b.Jobs {
		members[i] = doc.TaskRules(j.Workflow(), j.TaskName())
	}
	acc := rules.AccumulateAll(members...)
	if b.overrides != nil {
		acc = rules.Merge(acc, b.overrides)
	}
	return acc
}

// foldSkipped сливает batch с skip в их зависимые batch.
func foldSkipped(w Workload, batches []*Batch, batchOf map[*engine.Job]*Batch, doc *rules.Document) []*Batch {
	dependents := w.Dependents()

	for {
		var src, dst *Batch
		for _, b := range batches {
			if b.Seed || !b.Rules.Bool(rules.KeySkip, false) {
				continue
			}
			if dst = firstDependent(b, dependents, batchOf); dst != nil {
				src = b
				break
			}
		}
		if src == nil {
			return batches
		}

		dst.Jobs = append(dst.Jobs, src.Jobs...)
		for _, j := range src.Jobs {
			batchOf[j] = dst
		}
		dst.Rules = batchRules(dst, doc)

		kept := batches[:0]
		for _, b := range batches {
			if b != src {
				kept = append(kept, b)
			}
		}
		batches = kept
	}
}

// firstDependent возвращает первый другой batch, член которого
// зависит от члена b.
func firstDependent(b *Batch, dependents map[*engine.Job][]*engine.Job, batchOf map[*engine.Job]*Batch) *Batch {
	for _, j := range b.Jobs {
		for _, d := range dependents[j] {
			if other := batchOf[d]; other != b {
				return other
			}
		}
	}
	return nil
}

// upstreamOf возвращает batch, от результатов которых зависят члены b,
// в порядке списка batches.
func upstreamOf(w Workload, b *Batch, batchOf map[*engine.Job]*Batch, batches []*Batch) []*Batch {
	set := make(map[*Batch]bool)
	for _, j := range b.Jobs {
		for _, d := range w[j] {
			if other := batchOf[d]; other != b {
				set[other] = true
			}
		}
	}

	out := make([]*Batch, 0, len(set))
	for _, other := range batches {
		if set[other] {
			out = append(out, other)
		}
	}
	return out
}

// minimize отбрасывает зависимости, достижимые через другую зависимость.
// Зависимости в общем цикле сохраняются обе.
func minimize(deps []*Batch) []*Batch {
	out := make([]*Batch, 0, len(deps))
	for _, d := range deps {
		implied := false
		for _, e := range deps {
			if e != d && reaches(e, d) && !reaches(d, e) {
				implied = true
				break
			}
		}
		if !implied {
			out = append(out, d)
		}
	}
	return out
}

// reaches возвращает true, если to достижим из from по upstream.
func reaches(from, to *Batch) bool {
	seen := make(map[*Batch]bool)
	stack := append([]*Batch(nil), from.upstream...)
	for len(stack) > 0 {
		b := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if b == to {
			return true
		}
		if seen[b] {
			continue
		}
		seen[b] = true
		stack = append(stack, b.upstream...)
	}
	return false
}

func sortBatches(batches []*Batch, pos map[*engine.Job]int) {
	sort.SliceStable(batches, func(a, b int) bool {
		return pos[batches[a].Top] < pos[batches[b].Top]
	})
}
