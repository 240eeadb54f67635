package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/llm/toolconv"
	"github.com/edgemind/edgemind/pkg/models"
)

// OpenAIProvider speaks the OpenAI chat-completions stream. With a base
// URL override it also serves Azure OpenAI, OpenRouter, and local
// OpenAI-compatible gateways.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider against api.openai.com.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	if apiKey == "" {
		return &OpenAIProvider{}
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey)}
}

// NewOpenAIProviderWithBaseURL creates a provider against an
// OpenAI-compatible endpoint.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		return NewOpenAIProvider(apiKey)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
	}
}

func (p *OpenAIProvider) SupportsTools() bool { return true }

// Complete sends a streaming chat request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	if p.client == nil {
		return nil, errs.Configuration("openai: api key not configured", nil)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.buildMessages(req),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	stream, err := openStream(ctx, "openai", req.Model, func() (*openai.ChatCompletionStream, error) {
		return p.client.CreateChatCompletionStream(ctx, chatReq)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.CompletionChunk)
	go p.stream(ctx, stream, chunks, req.Model)
	return chunks, nil
}

// stream forwards deltas, assembling tool calls whose arguments arrive
// fragmented across chunks.
func (p *OpenAIProvider) stream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *llm.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	pending := map[int]*models.ToolCall{}
	fragments := map[int]string{}

	flush := func() {
		for idx, call := range pending {
			if call.ID == "" || call.Name == "" {
				continue
			}
			args := fragments[idx]
			if args == "" {
				args = "{}"
			}
			call.Arguments = json.RawMessage(args)
			chunks <- &llm.CompletionChunk{ToolCall: call}
		}
		pending = map[int]*models.ToolCall{}
		fragments = map[int]string{}
	}

	for {
		if ctx.Err() != nil {
			fail(chunks, ctx.Err())
			return
		}
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			chunks <- &llm.CompletionChunk{Done: true}
			return
		}
		if err != nil {
			fail(chunks, classify("openai", model, err))
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &llm.CompletionChunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if pending[idx] == nil {
				pending[idx] = &models.ToolCall{}
			}
			if tc.ID != "" {
				pending[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[idx].Name = tc.Function.Name
			}
			fragments[idx] += tc.Function.Arguments
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// buildMessages converts the neutral conversation. Inline image bytes
// travel as data URLs; URL-backed attachments pass through.
func (p *OpenAIProvider) buildMessages(req *llm.CompletionRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			if len(msg.ToolResults) == 0 {
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: msg.Content})
				continue
			}
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case "assistant":
			converted := openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, converted)

		default:
			converted := openai.ChatCompletionMessage{Role: msg.Role}
			if parts := imageParts(msg); len(parts) > 0 {
				if msg.Content != "" {
					parts = append([]openai.ChatMessagePart{{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					}}, parts...)
				}
				converted.MultiContent = parts
			} else {
				converted.Content = msg.Content
			}
			out = append(out, converted)
		}
	}
	return out
}

func imageParts(msg llm.CompletionMessage) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, att := range msg.Attachments {
		if att.Type != "image" {
			continue
		}
		url := att.URL
		if url == "" && len(att.Data) > 0 {
			url = imageDataURL(att)
		}
		if url == "" {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    url,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts
}

// imageDataURL renders inline bytes as a data URL. Attachment data from
// device snapshots is already base64 text.
func imageDataURL(att models.Attachment) string {
	mime := att.MimeType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + string(att.Data)
}
