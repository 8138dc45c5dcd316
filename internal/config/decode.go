package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// readAsJSON returns the file content as JSON bytes. YAML files are decoded
// and re-marshaled so both formats share one strict decoder
// (DisallowUnknownFields catches typos in either).
func readAsJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("reading yaml config: %w", err)
	}
	out, err := json.Marshal(jsonSafe(doc))
	if err != nil {
		return nil, fmt.Errorf("converting yaml config: %w", err)
	}
	return out, nil
}

// jsonSafe rewrites map keys to strings. YAML permits non-string keys, JSON
// does not.
func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = jsonSafe(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonSafe(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = jsonSafe(val)
		}
		return t
	}
	return v
}
