// Package toolconv converts declarative tool definitions into the wire
// formats the concrete backends expect. Definitions carry only name,
// description, and a JSON-schema parameter blob; nothing here touches
// execution.
package toolconv

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/edgemind/edgemind/internal/llm"
)

// ToOpenAITools renders definitions in the OpenAI function-tool format,
// also spoken by Ollama and other OpenAI-compatible endpoints.
func ToOpenAITools(defs []llm.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schemaObject(def.Parameters),
			},
		})
	}
	return out
}

// schemaObject decodes a schema blob, falling back to an empty object
// schema when the blob is missing or malformed so one bad tool never
// sinks the whole request.
func schemaObject(raw []byte) map[string]any {
	if len(raw) > 0 {
		var schema map[string]any
		if err := json.Unmarshal(raw, &schema); err == nil && schema != nil {
			return schema
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}
