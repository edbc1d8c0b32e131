package domain

// JobSpec — переносимое описание job: достаточно, чтобы построить его
// заново в другом процессе (воркер, `stepflow job exec`).
//
// Входы-job вложены как JobSpec (или map с ключами workflow/task/inputs
// после JSON).
type JobSpec struct {
	Workflow string         `json:"workflow"`
	Task     string         `json:"task"`
	Inputs   map[string]any `json:"inputs,omitempty"`
}
