package toolconv

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/edgemind/edgemind/internal/llm"
)

// ToBedrockTools renders definitions as a Bedrock Converse tool
// configuration. Returns nil when there are no definitions, since
// Bedrock rejects an empty tool config.
func ToBedrockTools(defs []llm.ToolDefinition) *types.ToolConfiguration {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]types.Tool, 0, len(defs))
	for _, def := range defs {
		name := def.Name
		description := def.Description
		spec := types.ToolSpecification{
			Name: &name,
			InputSchema: &types.ToolInputSchemaMemberJson{
				Value: document.NewLazyDocument(schemaObject(def.Parameters)),
			},
		}
		if description != "" {
			spec.Description = &description
		}
		tools = append(tools, &types.ToolMemberToolSpec{Value: spec})
	}
	return &types.ToolConfiguration{Tools: tools}
}

// DecodeArguments turns a raw argument blob into the map Bedrock's
// document API wants, defaulting to an empty object.
func DecodeArguments(raw json.RawMessage) map[string]any {
	var args map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &args) != nil || args == nil {
		return map[string]any{}
	}
	return args
}
