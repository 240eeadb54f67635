package llm

import (
	"context"

	"github.com/edgemind/edgemind/pkg/models"
)

// LLMProvider is the wire-level contract a concrete backend implements.
// Providers are pure transports: they advertise tool definitions to the
// model and surface the model's tool-call requests, but never execute
// anything — execution belongs to the tool executor.
//
// Implementations must be safe for concurrent Complete calls.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The
	// channel closes after the final chunk; a failed stream delivers one
	// chunk with Error set first.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns the models this provider advertises.
	Models() []Model

	// SupportsTools reports whether the backend accepts native tool
	// definitions; callers advertise tools in the system prompt otherwise.
	SupportsTools() bool
}

// CompletionRequest is one generation request in provider-neutral form.
type CompletionRequest struct {
	// Model selects the model; empty uses the provider default.
	Model string `json:"model"`

	// System is the system prompt, carried separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools are the declarative tool definitions advertised to the
	// model. Definitions only: the provider converts name, description,
	// and JSON schema to its wire format and nothing else.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens bounds the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// EnableThinking requests extended reasoning on backends that
	// support it.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens bounds extended reasoning when enabled.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage is one conversation turn. Role is "user",
// "assistant", "system", or "tool".
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls carries the assistant's prior tool requests.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults carries executed tool outputs keyed to their calls.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`

	// Attachments carries images for vision-capable models. Device
	// snapshots arrive as inline bytes (Data); URL-backed attachments
	// are also accepted.
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// CompletionChunk is one item of a provider's response stream.
type CompletionChunk struct {
	// Text is incremental visible content.
	Text string `json:"text,omitempty"`

	// Thinking is incremental reasoning content, streamed separately.
	Thinking string `json:"thinking,omitempty"`

	// ToolCall is a complete tool request from the model.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done marks successful stream completion.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream; no chunks follow it.
	Error error `json:"-"`

	// Token counts, populated on the final chunk when the backend
	// reports them.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes one advertised model.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}
