package orchestrator

import (
	"sort"

	"github.com/shaiso/Stepflow/internal/rules"
)

// Resources — количества ресурсов по ключу (cpus, gpu, mem, ...).
type Resources map[string]float64

// Weight возвращает суммарный вес запроса.
func (r Resources) Weight() float64 {
	var total float64
	for _, v := range r {
		total += v
	}
	return total
}

// Keys возвращает ключи по алфавиту.
func (r Resources) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Request возвращает запрос batch по ограниченным ключам capacity.
//
// Значение берётся из правил batch (ключ верхнего уровня или
// resources.<key>); не заданный cpus равен 1, остальные — 0.
func Request(r rules.Rules, capacity Resources) Resources {
	req := make(Resources, len(capacity))
	sub := r.Sub(rules.KeyResources)
	for key := range capacity {
		v, ok := r.Float(key)
		if !ok && sub != nil {
			v, ok = sub.Float(key)
		}
		if !ok && key == rules.KeyCPUs {
			v, ok = 1, true
		}
		if ok && v > 0 {
			req[key] = v
		}
	}
	return req
}

// reservations — таблица резерва ресурсов.
// Изменяется только горутиной цикла диспетчеризации.
type reservations struct {
	capacity Resources
	reserved Resources
	held     map[*Batch]Resources
}

func newReservations(capacity Resources) *reservations {
	return &reservations{
		capacity: capacity,
		reserved: make(Resources, len(capacity)),
		held:     make(map[*Batch]Resources),
	}
}

// fits возвращает true, если запрос помещается целиком.
func (r *reservations) fits(req Resources) bool {
	for key, c := range r.capacity {
		if r.reserved[key]+req[key] > c {
			return false
		}
	}
	return true
}

// exceeds возвращает ключ, по которому запрос больше ёмкости.
func (r *reservations) exceeds(req Resources) (string, bool) {
	for _, key := range req.Keys() {
		if c, ok := r.capacity[key]; ok && req[key] > c {
			return key, true
		}
	}
	return "", false
}

// reserve резервирует запрос batch.
func (r *reservations) reserve(b *Batch, req Resources) {
	r.release(b)
	for key, v := range req {
		r.reserved[key] += v
	}
	r.held[b] = req
}

// release освобождает ровно зарезервированное batch количество.
func (r *reservations) release(b *Batch) bool {
	req, ok := r.held[b]
	if !ok {
		return false
	}
	for key, v := range req {
		r.reserved[key] -= v
	}
	delete(r.held, b)
	return true
}

// holding возвращает true, если ресурсы заняты хотя бы одним batch.
func (r *reservations) holding() bool {
	return len(r.held) > 0
}
