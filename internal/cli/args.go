package cli

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseTarget разбирает "workflow#task".
func ParseTarget(s string) (workflow, task string, err error) {
	workflow, task, ok := strings.Cut(s, "#")
	if !ok || workflow == "" || task == "" {
		return "", "", fmt.Errorf("invalid target %q (expected workflow#task)", s)
	}
	return workflow, task, nil
}

// ParseInputs разбирает входы вида key=value.
// Значение, разбираемое как JSON (числа, true, массивы), берётся как
// JSON; иначе строкой.
func ParseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q (expected key=value)", p)
		}

		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		inputs[key] = v
	}
	return inputs, nil
}
