package toolconv

import (
	"encoding/json"

	"google.golang.org/genai"

	"github.com/edgemind/edgemind/internal/llm"
)

// ToGeminiTools renders definitions as one genai Tool carrying every
// function declaration, the layout Gemini expects.
func ToGeminiTools(defs []llm.ToolDefinition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  geminiSchema(def.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// geminiSchema maps a JSON-schema blob onto genai's typed Schema.
// Gemini understands a subset of JSON Schema; unsupported keywords are
// dropped rather than failing the conversion.
func geminiSchema(raw []byte) *genai.Schema {
	var decoded map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &decoded) != nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	return schemaFromMap(decoded)
}

func schemaFromMap(node map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: geminiType(stringAt(node, "type"))}
	if desc := stringAt(node, "description"); desc != "" {
		schema.Description = desc
	}
	if props, ok := node["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, sub := range props {
			if subMap, ok := sub.(map[string]any); ok {
				schema.Properties[name] = schemaFromMap(subMap)
			}
		}
	}
	if items, ok := node["items"].(map[string]any); ok {
		schema.Items = schemaFromMap(items)
	}
	if required, ok := node["required"].([]any); ok {
		for _, field := range required {
			if name, ok := field.(string); ok {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	if enum, ok := node["enum"].([]any); ok {
		for _, value := range enum {
			if name, ok := value.(string); ok {
				schema.Enum = append(schema.Enum, name)
			}
		}
	}
	return schema
}

func geminiType(jsonType string) genai.Type {
	switch jsonType {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	default:
		return genai.TypeObject
	}
}

func stringAt(node map[string]any, key string) string {
	if v, ok := node[key].(string); ok {
		return v
	}
	return ""
}
