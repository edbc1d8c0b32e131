package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// hashLength — длина суффикса идентичности (hex-символов).
const hashLength = 32

// identityHash вычисляет хэш идентичности job.
//
// Хэшируется канонический JSON {inputs, deps}: encoding/json
// сортирует ключи map, поэтому порядок входов не влияет на результат.
func identityHash(inputs map[string]any, deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	payload := map[string]any{
		"inputs": inputs,
		"deps":   deps,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal identity: %w", err)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLength], nil
}

// canonicalValue заменяет job-значения их идентичностью.
func canonicalValue(v any) any {
	switch x := v.(type) {
	case *Job:
		return x.Identity()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = canonicalValue(item)
		}
		return out
	default:
		return v
	}
}

// sameValue сравнивает значения по каноническому JSON.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(canonicalValue(a))
	jb, errB := json.Marshal(canonicalValue(b))
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// persistableInputs готовит входы к записи в метаданные:
// job-значения заменяются путями результатов.
func persistableInputs(in Inputs) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if j, ok := v.(*Job); ok {
			out[k] = j.Path()
			continue
		}
		out[k] = v
	}
	return out
}
