package providers

import "strings"

// Some backends reached through OpenAI-compatible gateways reject parts of
// JSON Schema in tool parameters. Gemini rejects $ref, $defs,
// additionalProperties, examples, default; Anthropic ignores $ref and $defs
// but some proxies error on them.
var strippedSchemaKeys = map[string][]string{
	"gemini":    {"$ref", "$defs", "additionalProperties", "examples", "default"},
	"anthropic": {"$ref", "$defs"},
}

// CleanToolSchemas returns a copy of tools with provider-incompatible schema
// keys removed. Providers that need no cleaning get the original slice back.
func CleanToolSchemas(providerName string, tools []ToolDefinition) []ToolDefinition {
	remove := schemaKeysToStrip(providerName)
	if len(remove) == 0 || len(tools) == 0 {
		return tools
	}

	cleaned := make([]ToolDefinition, len(tools))
	for i, t := range tools {
		cleaned[i] = t
		cleaned[i].Function.Parameters = stripSchemaKeys(t.Function.Parameters, remove)
	}
	return cleaned
}

func schemaKeysToStrip(providerName string) []string {
	name := strings.ToLower(providerName)
	for backend, keys := range strippedSchemaKeys {
		if name == backend || strings.HasPrefix(name, backend+"-") {
			return keys
		}
	}
	return nil
}

// stripSchemaKeys recursively removes keys from a schema map, descending
// into nested schemas and composition arrays (anyOf, oneOf, allOf).
func stripSchemaKeys(schema map[string]interface{}, remove []string) map[string]interface{} {
	if schema == nil {
		return nil
	}

	out := make(map[string]interface{}, len(schema))
outer:
	for k, v := range schema {
		for _, rk := range remove {
			if k == rk {
				continue outer
			}
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = stripSchemaKeys(val, remove)
		case []interface{}:
			items := make([]interface{}, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					items[i] = stripSchemaKeys(m, remove)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
