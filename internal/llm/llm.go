// Package llm is the backend-agnostic LLM surface: a runtime contract
// every provider satisfies through the adapter in provider.go, and an
// Interface that holds the active backend behind a write lock so it can
// be swapped at runtime.
package llm

import (
	"context"

	"github.com/edgemind/edgemind/pkg/models"
)

// Capabilities describes what a backend can do.
type Capabilities struct {
	Streaming   bool `json:"streaming"`
	NativeTools bool `json:"native_tools"`
	Thinking    bool `json:"thinking"`
	Vision      bool `json:"vision"`
}

// GenParams are the generation knobs passed per request.
type GenParams struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Message is one conversation turn handed to a backend.
type Message struct {
	Role        models.Role         `json:"role"`
	Content     string              `json:"content"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// ToolDefinition advertises one callable tool to the backend. Backends
// without native tool support ignore these; the caller advertises tools
// in the system prompt instead.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  []byte `json:"parameters"`
}

// Input is a complete generation request.
type Input struct {
	System   string           `json:"system,omitempty"`
	Messages []Message        `json:"messages"`
	Params   GenParams        `json:"params"`
	Model    string           `json:"model,omitempty"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Thinking bool             `json:"thinking,omitempty"`
}

// Usage reports token consumption when the backend supplies it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Output is a complete non-streaming generation result.
type Output struct {
	Text         string            `json:"text"`
	Thinking     string            `json:"thinking,omitempty"`
	FinishReason string            `json:"finish_reason"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
}

// StreamChunk is one item of a streaming response. IsThinking
// distinguishes reasoning from visible content. A mid-flight failure
// arrives as a chunk with Err set, followed by end of stream.
type StreamChunk struct {
	Text       string
	IsThinking bool
	ToolCall   *models.ToolCall
	Err        error
}

// Runtime is the contract every backend satisfies.
type Runtime interface {
	BackendID() string
	ModelName() string
	MaxContextLength() int
	Capabilities() Capabilities
	Generate(ctx context.Context, input Input) (*Output, error)
	GenerateStream(ctx context.Context, input Input) (<-chan StreamChunk, error)
}
