package providers

import "testing"

func toolWithParams(params map[string]interface{}) []ToolDefinition {
	return []ToolDefinition{{
		Type: "function",
		Function: ToolFunctionSchema{
			Name:        "file_write",
			Description: "write a file",
			Parameters:  params,
		},
	}}
}

func TestCleanToolSchemas_StripsForGemini(t *testing.T) {
	tools := toolWithParams(map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"$defs":                map[string]interface{}{"Path": "x"},
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":    "string",
				"default": "notes.md",
			},
		},
	})

	cleaned := CleanToolSchemas("gemini", tools)
	params := cleaned[0].Function.Parameters

	for _, key := range []string{"additionalProperties", "$defs"} {
		if _, ok := params[key]; ok {
			t.Errorf("key %q should be stripped", key)
		}
	}

	path := params["properties"].(map[string]interface{})["path"].(map[string]interface{})
	if _, ok := path["default"]; ok {
		t.Error("nested default should be stripped")
	}
	if path["type"] != "string" {
		t.Error("nested type should survive")
	}
}

func TestCleanToolSchemas_PassthroughForOpenAI(t *testing.T) {
	tools := toolWithParams(map[string]interface{}{
		"type":  "object",
		"$defs": map[string]interface{}{},
	})

	cleaned := CleanToolSchemas("openai", tools)
	if _, ok := cleaned[0].Function.Parameters["$defs"]; !ok {
		t.Error("openai schemas should pass through unmodified")
	}
}

func TestCleanToolSchemas_CompositionArrays(t *testing.T) {
	tools := toolWithParams(map[string]interface{}{
		"anyOf": []interface{}{
			map[string]interface{}{"type": "string", "examples": []interface{}{"a"}},
			map[string]interface{}{"type": "integer"},
		},
	})

	cleaned := CleanToolSchemas("gemini", tools)
	anyOf := cleaned[0].Function.Parameters["anyOf"].([]interface{})
	first := anyOf[0].(map[string]interface{})
	if _, ok := first["examples"]; ok {
		t.Error("examples inside anyOf should be stripped")
	}
}
