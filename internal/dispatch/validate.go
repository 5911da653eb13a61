package dispatch

import (
	"fmt"
	"sort"
	"strings"
)

// InvalidArgumentsError lists every argument that failed validation, so the
// model can repair the whole call in one follow-up instead of one field at
// a time.
type InvalidArgumentsError struct {
	Fields []string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments: %s", strings.Join(e.Fields, ", "))
}

// validateArgs checks args against a JSON-schema style parameter spec: the
// "required" list must be satisfied and declared property types must match.
// Unknown extra arguments are tolerated.
func validateArgs(params map[string]interface{}, args map[string]interface{}) error {
	if params == nil {
		return nil
	}

	var bad []string

	if required, ok := params["required"].([]interface{}); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := args[name]; !present {
				bad = append(bad, name+" (missing)")
			}
		}
	}
	if required, ok := params["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				bad = append(bad, name+" (missing)")
			}
		}
	}

	if props, ok := params["properties"].(map[string]interface{}); ok {
		for name, raw := range props {
			spec, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			want, ok := spec["type"].(string)
			if !ok {
				continue
			}
			val, present := args[name]
			if !present || val == nil {
				continue
			}
			if !typeMatches(want, val) {
				bad = append(bad, fmt.Sprintf("%s (want %s)", name, want))
			}
		}
	}

	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return &InvalidArgumentsError{Fields: bad}
}

func typeMatches(want string, val interface{}) bool {
	switch want {
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]interface{})
		return ok
	case "object":
		_, ok := val.(map[string]interface{})
		return ok
	}
	return true
}
