package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes funnels YAML configs through the same strict JSON
// decoder as native JSON. The format tag ("json" or "yaml") is returned
// for error reporting.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("%s: %w", path, err)
	}
	j, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("%s: yaml to json: %w", path, err)
	}
	return j, "yaml", nil
}

// stringifyKeys rewrites every map key to a string. YAML permits integer
// and boolean keys (bot_tokens slot numbers hit this); JSON does not.
func stringifyKeys(in any) any {
	switch node := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, v := range node {
			out[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range node {
			node[k] = stringifyKeys(v)
		}
		return node
	case []any:
		for i, v := range node {
			node[i] = stringifyKeys(v)
		}
		return node
	default:
		return in
	}
}
