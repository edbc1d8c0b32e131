package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ключи правил с особой семантикой.
const (
	KeyConfigKeys = "config_keys"
	KeyCPUs       = "cpus"
	KeyTaskCPUs   = "task_cpus"
	KeyTime       = "time"
	KeySkip       = "skip"
	KeyDeploy     = "deploy"
	KeyErase      = "erase"
	KeyResources  = "resources"
	KeyTasks      = "tasks"
)

// Rules — набор правил: ключ → значение (скаляр, список или вложенный набор).
type Rules map[string]any

// Clone возвращает глубокую копию.
func (r Rules) Clone() Rules {
	out := make(Rules, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Rules:
		return x.Clone()
	case map[string]any:
		return Rules(x).Clone()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Has возвращает true, если ключ задан.
func (r Rules) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// String возвращает строковое значение или def.
func (r Rules) String(key, def string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool возвращает логическое значение или def.
func (r Rules) Bool(key string, def bool) bool {
	v, ok := r[key]
	if !ok {
		return def
	}
	b, ok := toBool(v)
	if !ok {
		return def
	}
	return b
}

// Float возвращает числовое значение.
func (r Rules) Float(key string) (float64, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// Time возвращает продолжительность по ключу time.
func (r Rules) Time() (time.Duration, error) {
	return ParseTimespan(r[KeyTime])
}

// ConfigKeys возвращает список config_keys.
func (r Rules) ConfigKeys() []string {
	items := toList(r[KeyConfigKeys])
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// Sub возвращает вложенный набор правил (например, resources).
func (r Rules) Sub(key string) Rules {
	switch x := r[key].(type) {
	case Rules:
		return x
	case map[string]any:
		return Rules(x)
	default:
		return nil
	}
}

// Merge объединяет правила в режиме "существующее сильнее".
//
// Значения dst сохраняются, src заполняет пропуски. Вложенные наборы
// объединяются рекурсивно; config_keys конкатенируются (dst первым)
// без повторов. dst и src не изменяются.
func Merge(dst, src Rules) Rules {
	out := dst.Clone()
	for k, sv := range src {
		dv, exists := out[k]
		switch {
		case k == KeyConfigKeys:
			out[k] = concatUnique(toList(dv), toList(sv))
		case !exists:
			out[k] = cloneValue(sv)
		case isRules(dv) && isRules(sv):
			out[k] = Merge(asRules(dv), asRules(sv))
		}
	}
	return out
}

// Accumulate объединяет правила job одного batch.
//
// Политики ключей:
//   - cpus, task_cpus — максимум
//   - time — сумма продолжительностей
//   - skip — логическое И
//   - config_keys — конкатенация без повторов
//   - остальные — первое записанное значение
func Accumulate(dst, src Rules) Rules {
	out := dst.Clone()
	for k, sv := range src {
		dv, exists := out[k]
		if !exists {
			out[k] = cloneValue(sv)
			continue
		}

		switch k {
		case KeyCPUs, KeyTaskCPUs:
			a, okA := toFloat(dv)
			b, okB := toFloat(sv)
			if okA && okB && b > a {
				out[k] = sv
			} else if !okA && okB {
				out[k] = sv
			}
		case KeyTime:
			a, errA := ParseTimespan(dv)
			b, errB := ParseTimespan(sv)
			if errA == nil && errB == nil {
				out[k] = (a + b).String()
			}
		case KeySkip:
			a, okA := toBool(dv)
			b, okB := toBool(sv)
			out[k] = okA && okB && a && b
		case KeyConfigKeys:
			out[k] = concatUnique(toList(dv), toList(sv))
		default:
			if isRules(dv) && isRules(sv) {
				out[k] = Accumulate(asRules(dv), asRules(sv))
			}
		}
	}
	return out
}

// AccumulateAll накапливает правила всех участников batch.
//
// skip — И по всем участникам: участник без skip его не запрашивает.
// Если skip не задан ни у кого, ключ остаётся пустым.
func AccumulateAll(contributors ...Rules) Rules {
	out := Rules{}
	silent := false
	for _, r := range contributors {
		if _, ok := r[KeySkip]; !ok {
			silent = true
		}
		out = Accumulate(out, r)
	}
	if _, ok := out[KeySkip]; ok && silent {
		out[KeySkip] = false
	}
	return out
}

func isRules(v any) bool {
	switch v.(type) {
	case Rules, map[string]any:
		return true
	default:
		return false
	}
}

func asRules(v any) Rules {
	switch x := v.(type) {
	case Rules:
		return x
	case map[string]any:
		return Rules(x)
	default:
		return nil
	}
}

// toList нормализует список: []any, []string или строка через запятую.
func toList(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case string:
		var out []any
		for _, part := range strings.Split(x, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return []any{x}
	}
}

func concatUnique(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, item := range append(append([]any(nil), a...), b...) {
		key := fmt.Sprint(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

// toFloat приводит число (или числовую строку) к float64.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return b, err == nil
	default:
		return false, false
	}
}
