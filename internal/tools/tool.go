// Package tools provides the tool contract shared by the agent and
// external callers, the name→tool registry, and the validating executor
// with retry classification.
package tools

import (
	"context"
	"encoding/json"
)

// Output is the structured result every tool returns.
type Output struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// OK builds a successful Output from any JSON-encodable value.
func OK(data any) Output {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Fail("encode result: " + err.Error())
	}
	return Output{Success: true, Data: encoded}
}

// Fail builds a failed Output with a structured error message.
func Fail(message string) Output {
	return Output{Success: false, Error: message}
}

// String renders the output for callers that need text (the agent feeds
// this back into the conversation).
func (o Output) String() string {
	if !o.Success {
		return "error: " + o.Error
	}
	if len(o.Data) == 0 {
		return "ok"
	}
	return string(o.Data)
}

// Tool is a named callable with a JSON-schema argument spec.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema the arguments are validated
	// against before Execute runs.
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) Output
}

// Definition is the wire form handed to LLM backends for tool injection.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Fn              func(ctx context.Context, args json.RawMessage) Output
}

func (f *Func) Name() string                { return f.ToolName }
func (f *Func) Description() string         { return f.ToolDescription }
func (f *Func) Parameters() json.RawMessage { return f.Schema }
func (f *Func) Execute(ctx context.Context, args json.RawMessage) Output {
	return f.Fn(ctx, args)
}
