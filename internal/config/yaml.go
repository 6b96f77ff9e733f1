package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON turns a YAML config document into JSON bytes so the strict
// decoder (DisallowUnknownFields) covers both formats. Anything without a
// yaml extension passes through untouched.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringKeyed(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringKeyed rewrites every map key to a string; yaml/v3 can decode keys
// as non-strings, which json.Marshal rejects.
func stringKeyed(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringKeyed(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeyed(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeyed(x[i])
		}
		return x
	default:
		return in
	}
}
