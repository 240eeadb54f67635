package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/pkg/models"
)

// anthropicDefaults for model selection and bounds.
const (
	anthropicDefaultModel     = "claude-sonnet-4-20250514"
	anthropicDefaultMaxTokens = 4096
	anthropicMinThinkingBudget = 1024

	// maxEmptyStreamEvents cuts a stream that stops producing content.
	maxEmptyStreamEvents = 100
)

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string
	// BaseURL overrides the API endpoint, for proxies.
	BaseURL string
	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// AnthropicProvider streams Claude responses, including extended
// thinking and native tool use.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates the provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errs.Configuration("anthropic: api key is required", nil)
	}
	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	model := config.DefaultModel
	if model == "" {
		model = anthropicDefaultModel
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

func (p *AnthropicProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

// Complete sends a streaming message request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	model := p.model(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, err
	}

	// The SDK defers connection errors to the first stream read, so the
	// retry wrapper checks the stream's initial error state.
	stream, err := openStream(ctx, "anthropic", model, func() (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
		s := p.client.Messages.NewStreaming(ctx, params)
		if err := s.Err(); err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.CompletionChunk)
	go p.stream(stream, chunks, model)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *llm.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := p.buildMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = p.buildTools(req.Tools)
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < anthropicMinThinkingBudget {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// buildTools renders declarative definitions as Anthropic tool params.
// A malformed schema degrades to an empty object schema rather than
// failing the request.
func (p *AnthropicProvider) buildTools(defs []llm.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if len(def.Parameters) == 0 || json.Unmarshal(def.Parameters, &schema) != nil {
			schema = anthropic.ToolInputSchemaParam{Type: "object"}
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool != nil && def.Description != "" {
			param.OfTool.Description = anthropic.String(def.Description)
		}
		out = append(out, param)
	}
	return out
}

// buildMessages converts the neutral conversation into Anthropic content
// blocks: text, tool_use, tool_result, and base64 image blocks for
// inline attachments.
func (p *AnthropicProvider) buildMessages(messages []llm.CompletionMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			// System content travels in params.System.
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, att := range msg.Attachments {
			if block, ok := anthropicImageBlock(att); ok {
				content = append(content, block)
			}
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, errs.Serialization(fmt.Sprintf("tool call %s arguments", tc.Name), err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool turns both travel as user messages.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

// anthropicImageBlock renders an inline image attachment; attachments
// without inline data are skipped (Anthropic takes no URLs).
func anthropicImageBlock(att models.Attachment) (anthropic.ContentBlockParamUnion, bool) {
	if att.Type != "image" || len(att.Data) == 0 {
		return anthropic.ContentBlockParamUnion{}, false
	}
	mime := att.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return anthropic.NewImageBlockBase64(mime, string(att.Data)), true
}

// stream translates SSE events into chunks. Tool-use input JSON arrives
// fragmented and is assembled until the block closes; thinking deltas
// stream through the Thinking field.
func (p *AnthropicProvider) stream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *llm.CompletionChunk, model string) {
	defer close(chunks)

	var pendingCall *models.ToolCall
	var pendingInput strings.Builder
	var inputTokens, outputTokens int
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		productive := true

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				pendingCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				pendingInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &llm.CompletionChunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &llm.CompletionChunk{Thinking: delta.Thinking}
				}
			case "input_json_delta":
				pendingInput.WriteString(delta.PartialJSON)
			default:
				productive = false
			}

		case "content_block_stop":
			if pendingCall != nil {
				args := pendingInput.String()
				if args == "" {
					args = "{}"
				}
				pendingCall.Arguments = json.RawMessage(args)
				chunks <- &llm.CompletionChunk{ToolCall: pendingCall}
				pendingCall = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			chunks <- &llm.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			fail(chunks, classify("anthropic", model, errs.Logical("anthropic stream error", nil)))
			return

		default:
			productive = false
		}

		if productive {
			emptyEvents = 0
		} else if emptyEvents++; emptyEvents >= maxEmptyStreamEvents {
			fail(chunks, errs.Transient(
				fmt.Sprintf("anthropic/%s: %d consecutive empty stream events", model, emptyEvents), nil))
			return
		}
	}

	if err := stream.Err(); err != nil {
		fail(chunks, classify("anthropic", model, err))
	}
}
