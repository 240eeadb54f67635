package toolconv

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/edgemind/edgemind/internal/llm"
)

func sampleDefs() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        "list_devices",
			Description: "List known devices",
			Parameters: []byte(`{
				"type": "object",
				"properties": {
					"device_type": {"type": "string", "description": "filter"},
					"limit": {"type": "integer"}
				},
				"required": ["device_type"]
			}`),
		},
		{Name: "noop"},
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools(sampleDefs())
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[0].Function.Name != "list_devices" || tools[0].Function.Description != "List known devices" {
		t.Errorf("definition fields lost: %+v", tools[0].Function)
	}
	params, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("schema not decoded: %#v", tools[0].Function.Parameters)
	}

	// A definition without a schema still yields a valid empty object.
	empty, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok || empty["type"] != "object" {
		t.Errorf("missing schema should default to an object schema: %#v", tools[1].Function.Parameters)
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := ToGeminiTools(sampleDefs())
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 2 {
		t.Fatalf("expected one tool with 2 declarations, got %+v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Name != "list_devices" {
		t.Errorf("name lost: %q", decl.Name)
	}
	if decl.Parameters == nil || decl.Parameters.Properties["device_type"] == nil {
		t.Fatalf("schema properties lost: %+v", decl.Parameters)
	}
	if len(decl.Parameters.Required) != 1 || decl.Parameters.Required[0] != "device_type" {
		t.Errorf("required fields lost: %+v", decl.Parameters.Required)
	}

	if got := ToGeminiTools(nil); got != nil {
		t.Error("no definitions must convert to nil, not an empty tool")
	}
}

func TestToBedrockTools(t *testing.T) {
	config := ToBedrockTools(sampleDefs())
	if config == nil || len(config.Tools) != 2 {
		t.Fatalf("expected 2 tools, got %+v", config)
	}
	spec, ok := config.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("unexpected tool member type %T", config.Tools[0])
	}
	if spec.Value.Name == nil || *spec.Value.Name != "list_devices" {
		t.Errorf("tool name lost: %+v", spec.Value)
	}
	if spec.Value.Description == nil || *spec.Value.Description != "List known devices" {
		t.Errorf("description lost: %+v", spec.Value)
	}

	if got := ToBedrockTools(nil); got != nil {
		t.Error("no definitions must convert to nil config")
	}
}

func TestDecodeArguments(t *testing.T) {
	if args := DecodeArguments(json.RawMessage(`{"a": 1}`)); args["a"] != float64(1) {
		t.Errorf("arguments not decoded: %v", args)
	}
	if args := DecodeArguments(nil); args == nil || len(args) != 0 {
		t.Errorf("nil blob should decode to an empty map, got %v", args)
	}
	if args := DecodeArguments(json.RawMessage(`broken`)); len(args) != 0 {
		t.Errorf("malformed blob should decode to an empty map, got %v", args)
	}
}
