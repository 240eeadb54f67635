package llm

import (
	"context"
	"strings"

	"github.com/edgemind/edgemind/pkg/models"
)

// ProviderRuntime adapts an LLMProvider to the Runtime contract.
type ProviderRuntime struct {
	Provider LLMProvider
	Model    string
	// ContextLength is the advertised max context; 0 falls back to the
	// provider's model metadata.
	ContextLength int
	// EnableThinking forwards extended-thinking requests to backends
	// that support it.
	EnableThinking bool
}

// NewProviderRuntime wraps a provider with its default model.
func NewProviderRuntime(provider LLMProvider, model string) *ProviderRuntime {
	return &ProviderRuntime{Provider: provider, Model: model}
}

func (r *ProviderRuntime) BackendID() string { return r.Provider.Name() }

func (r *ProviderRuntime) ModelName() string {
	if r.Model != "" {
		return r.Model
	}
	if m := r.Provider.Models(); len(m) > 0 {
		return m[0].ID
	}
	return ""
}

func (r *ProviderRuntime) MaxContextLength() int {
	if r.ContextLength > 0 {
		return r.ContextLength
	}
	model := r.ModelName()
	for _, m := range r.Provider.Models() {
		if m.ID == model {
			return m.ContextSize
		}
	}
	return 0
}

func (r *ProviderRuntime) Capabilities() Capabilities {
	return Capabilities{
		Streaming:   true,
		NativeTools: r.Provider.SupportsTools(),
		Thinking:    r.EnableThinking,
		Vision:      true,
	}
}

// Generate runs a streaming completion to completion and assembles the
// final Output.
func (r *ProviderRuntime) Generate(ctx context.Context, input Input) (*Output, error) {
	chunks, err := r.GenerateStream(ctx, input)
	if err != nil {
		return nil, err
	}
	var text, thinking strings.Builder
	var toolCalls []models.ToolCall
	var usage *Usage
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
			continue
		}
		if chunk.IsThinking {
			thinking.WriteString(chunk.Text)
		} else {
			text.WriteString(chunk.Text)
		}
	}
	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	return &Output{
		Text:         text.String(),
		Thinking:     thinking.String(),
		FinishReason: finish,
		ToolCalls:    toolCalls,
		Usage:        usage,
	}, nil
}

// GenerateStream maps the provider's chunk stream onto the
// (text, is_thinking) contract. The stream ends cleanly on success; a
// mid-flight failure yields one Err chunk and then ends.
func (r *ProviderRuntime) GenerateStream(ctx context.Context, input Input) (<-chan StreamChunk, error) {
	req := r.buildRequest(input)
	inner, err := r.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		for chunk := range inner {
			switch {
			case chunk.Error != nil:
				out <- StreamChunk{Err: chunk.Error}
				return
			case chunk.ToolCall != nil:
				out <- StreamChunk{ToolCall: chunk.ToolCall}
			case chunk.Thinking != "":
				out <- StreamChunk{Text: chunk.Thinking, IsThinking: true}
			case chunk.Text != "":
				out <- StreamChunk{Text: chunk.Text}
			case chunk.Done:
				return
			}
		}
	}()
	return out, nil
}

func (r *ProviderRuntime) buildRequest(input Input) *CompletionRequest {
	req := &CompletionRequest{
		Model:          firstNonEmpty(input.Model, r.Model),
		System:         input.System,
		MaxTokens:      input.Params.MaxTokens,
		EnableThinking: r.EnableThinking && input.Thinking,
	}
	for _, msg := range input.Messages {
		req.Messages = append(req.Messages, CompletionMessage{
			Role:        string(msg.Role),
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: msg.ToolResults,
			Attachments: msg.Attachments,
		})
	}
	if r.Provider.SupportsTools() {
		req.Tools = append(req.Tools, input.Tools...)
	}
	return req
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
