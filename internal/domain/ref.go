package domain

// JobRef — идентичность job: workflow/task/name и путь результата.
type JobRef struct {
	Workflow string `json:"workflow"`
	Task     string `json:"task"`
	Name     string `json:"name"`

	// Path — путь файла результата (без расширения метаданных).
	Path string `json:"path"`
}

// String возвращает идентификатор вида workflow/task/name.
func (r JobRef) String() string {
	return r.Workflow + "/" + r.Task + "/" + r.Name
}
