package rules

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Ключи верхнего уровня документа.
const (
	keyDefaults         = "defaults"
	keyDefaultResources = "default_resources"
	keyChains           = "chains"
	keyImport           = "import"
)

// TaskRef — ссылка на задачу в правилах цепочки.
// Пустой Workflow — задача с этим именем в любом workflow.
type TaskRef struct {
	Workflow string
	Task     string
}

// Matches возвращает true, если ссылка указывает на workflow#task.
func (r TaskRef) Matches(workflow, task string) bool {
	return r.Task == task && (r.Workflow == "" || r.Workflow == workflow)
}

// String возвращает ссылку в виде workflow#task.
func (r TaskRef) String() string {
	if r.Workflow == "" {
		return r.Task
	}
	return r.Workflow + "#" + r.Task
}

// ParseTaskRefs разбирает список задач через запятую ("wf#task, other").
func ParseTaskRefs(s string) []TaskRef {
	var refs []TaskRef
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if wf, task, ok := strings.Cut(part, "#"); ok {
			refs = append(refs, TaskRef{Workflow: strings.TrimSpace(wf), Task: strings.TrimSpace(task)})
			continue
		}
		refs = append(refs, TaskRef{Task: part})
	}
	return refs
}

// Chain — цепочка задач, объединяемых в один batch.
type Chain struct {
	Name      string
	Tasks     []TaskRef
	Overrides Rules
}

// Matches возвращает true, если задача входит в цепочку.
func (c *Chain) Matches(workflow, task string) bool {
	for _, ref := range c.Tasks {
		if ref.Matches(workflow, task) {
			return true
		}
	}
	return false
}

// WorkflowRules — правила одного workflow.
type WorkflowRules struct {
	Defaults Rules
	Tasks    map[string]Rules
}

// Document — документ правил.
type Document struct {
	Defaults         Rules
	DefaultResources Rules
	Chains           []*Chain
	Workflows        map[string]*WorkflowRules
}

// NewDocument создаёт пустой документ.
func NewDocument() *Document {
	return &Document{
		Defaults:         Rules{},
		DefaultResources: Rules{},
		Workflows:        make(map[string]*WorkflowRules),
	}
}

// Load читает документ из файла, подмешивая import снизу.
func Load(path string) (*Document, error) {
	return load(path, nil)
}

func load(path string, stack []string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("rules: resolve %s: %w", path, err)
	}
	for _, p := range stack {
		if p == abs {
			return nil, fmt.Errorf("%w: %s", ErrImportCycle, abs)
		}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}

	doc, imports, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}

	for _, imp := range imports {
		if !filepath.IsAbs(imp) {
			imp = filepath.Join(filepath.Dir(abs), imp)
		}
		base, err := load(imp, append(stack, abs))
		if err != nil {
			return nil, err
		}
		doc.MergeUnder(base)
	}
	return doc, nil
}

// Parse разбирает документ из YAML.
// import в разобранном документе игнорируется: его обрабатывает Load.
func Parse(data []byte) (*Document, error) {
	doc, _, err := parse(data)
	return doc, err
}

func parse(data []byte) (*Document, []string, error) {
	doc := NewDocument()
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil, nil
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var imports []string
	for _, key := range sortedKeys(raw) {
		value := raw[key]
		switch key {
		case keyDefaults:
			r, err := rulesValue(key, value)
			if err != nil {
				return nil, nil, err
			}
			doc.Defaults = r
		case keyDefaultResources:
			r, err := rulesValue(key, value)
			if err != nil {
				return nil, nil, err
			}
			doc.DefaultResources = r
		case keyChains:
			chains, err := parseChains(value, chainOrder(data))
			if err != nil {
				return nil, nil, err
			}
			doc.Chains = chains
		case keyImport:
			for _, item := range toList(value) {
				imports = append(imports, fmt.Sprint(item))
			}
		default:
			wr, err := parseWorkflow(key, value)
			if err != nil {
				return nil, nil, err
			}
			doc.Workflows[key] = wr
		}
	}
	return doc, imports, nil
}

func parseWorkflow(name string, value any) (*WorkflowRules, error) {
	section, err := rulesValue(name, value)
	if err != nil {
		return nil, err
	}

	wr := &WorkflowRules{Defaults: Rules{}, Tasks: make(map[string]Rules)}
	for key, v := range section {
		r, err := rulesValue(name+"."+key, v)
		if err != nil {
			return nil, err
		}
		if key == keyDefaults {
			wr.Defaults = r
			continue
		}
		wr.Tasks[key] = r
	}
	return wr, nil
}

// chainOrder возвращает имена цепочек в порядке объявления.
// map из yaml.Unmarshal порядок не сохраняет, поэтому он читается из узлов.
func chainOrder(data []byte) []string {
	var doc struct {
		Chains yaml.Node `yaml:"chains"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil || doc.Chains.Kind != yaml.MappingNode {
		return nil
	}

	names := make([]string, 0, len(doc.Chains.Content)/2)
	for i := 0; i+1 < len(doc.Chains.Content); i += 2 {
		names = append(names, doc.Chains.Content[i].Value)
	}
	return names
}

// parseChains принимает map имя → цепочка или список цепочек с name.
// order — порядок имён в map (при nil — по алфавиту).
func parseChains(value any, order []string) ([]*Chain, error) {
	var chains []*Chain

	switch x := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(order) != len(x) {
			order = sortedKeys(x)
		}
		for _, name := range order {
			c, err := parseChain(name, x[name])
			if err != nil {
				return nil, err
			}
			chains = append(chains, c)
		}
	case []any:
		for i, item := range x {
			r, err := rulesValue(keyChains, item)
			if err != nil {
				return nil, err
			}
			name := r.String("name", fmt.Sprintf("chain%d", i))
			c, err := parseChain(name, item)
			if err != nil {
				return nil, err
			}
			chains = append(chains, c)
		}
	default:
		return nil, fmt.Errorf("%w: chains must be a mapping or a list", ErrInvalidDocument)
	}
	return chains, nil
}

func parseChain(name string, value any) (*Chain, error) {
	r, err := rulesValue("chains."+name, value)
	if err != nil {
		return nil, err
	}

	var tasks []TaskRef
	switch t := r[KeyTasks].(type) {
	case string:
		tasks = ParseTaskRefs(t)
	case []any:
		for _, item := range t {
			tasks = append(tasks, ParseTaskRefs(fmt.Sprint(item))...)
		}
	default:
		return nil, fmt.Errorf("%w: chain %s has no tasks", ErrInvalidDocument, name)
	}

	overrides := r.Clone()
	delete(overrides, KeyTasks)
	delete(overrides, "name")

	return &Chain{Name: name, Tasks: tasks, Overrides: overrides}, nil
}

func rulesValue(key string, v any) (Rules, error) {
	switch x := v.(type) {
	case nil:
		return Rules{}, nil
	case map[string]any:
		return Rules(x), nil
	default:
		return nil, fmt.Errorf("%w: %s must be a mapping", ErrInvalidDocument, key)
	}
}

// MergeUnder подмешивает base под документ: значения документа сильнее.
func (d *Document) MergeUnder(base *Document) {
	d.Defaults = Merge(d.Defaults, base.Defaults)
	d.DefaultResources = Merge(d.DefaultResources, base.DefaultResources)

	for _, c := range base.Chains {
		if d.Chain(c.Name) == nil {
			d.Chains = append(d.Chains, c)
		}
	}

	for name, bw := range base.Workflows {
		w, ok := d.Workflows[name]
		if !ok {
			d.Workflows[name] = bw
			continue
		}
		w.Defaults = Merge(w.Defaults, bw.Defaults)
		for task, br := range bw.Tasks {
			w.Tasks[task] = Merge(w.Tasks[task], br)
		}
	}
}

// Chain возвращает цепочку по имени или nil.
func (d *Document) Chain(name string) *Chain {
	for _, c := range d.Chains {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChainsFor возвращает цепочки, в которые входит задача, в порядке объявления.
func (d *Document) ChainsFor(workflow, task string) []*Chain {
	var out []*Chain
	for _, c := range d.Chains {
		if c.Matches(workflow, task) {
			out = append(out, c)
		}
	}
	return out
}

// TaskRules возвращает правила задачи: правила задачи поверх defaults
// workflow поверх глобальных defaults.
func (d *Document) TaskRules(workflow, task string) Rules {
	out := Rules{}
	if w, ok := d.Workflows[workflow]; ok {
		out = Merge(out, w.Tasks[task])
		out = Merge(out, w.Defaults)
	}
	return Merge(out, d.Defaults)
}

// Capacities возвращает ёмкость ресурсов из default_resources.
// Нечисловые значения пропускаются.
func (d *Document) Capacities() map[string]float64 {
	out := make(map[string]float64, len(d.DefaultResources))
	for k := range d.DefaultResources {
		if v, ok := d.DefaultResources.Float(k); ok {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
