package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/genai"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/llm/toolconv"
	"github.com/edgemind/edgemind/pkg/models"
)

// GoogleConfig configures the Gemini backend.
type GoogleConfig struct {
	// APIKey authenticates against the Gemini API (required).
	APIKey string
	// DefaultModel is used when a request names no model.
	DefaultModel string
}

// GoogleProvider streams Gemini responses over the genai SDK.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// NewGoogleProvider creates the provider.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if config.APIKey == "" {
		return nil, errs.Configuration("google: api key is required", nil)
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errs.Configuration("google: create client", err)
	}
	model := config.DefaultModel
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GoogleProvider{client: client, defaultModel: model}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Models() []llm.Model {
	return []llm.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1000000, SupportsVision: true},
		{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", ContextSize: 2000000, SupportsVision: true},
		{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", ContextSize: 1000000, SupportsVision: true},
	}
}

func (p *GoogleProvider) SupportsTools() bool { return true }

// Complete sends a streaming generate-content request. The genai stream
// is a Go iterator, so the whole call including retries runs inside the
// producer goroutine.
func (p *GoogleProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents, err := p.buildContents(req.Messages)
	if err != nil {
		return nil, err
	}
	config := p.buildConfig(req)

	chunks := make(chan *llm.CompletionChunk)
	go func() {
		defer close(chunks)
		// One retry on a transiently failing stream; Gemini surfaces
		// errors mid-iteration, so the retry re-opens the iterator.
		var lastErr error
		for attempt := 0; attempt < 2; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					fail(chunks, ctx.Err())
					return
				case <-time.After(time.Second):
				}
			}
			done, err := p.consume(ctx, model, contents, config, chunks)
			if done {
				return
			}
			lastErr = err
			if !retryable(classify("google", model, err)) {
				break
			}
		}
		fail(chunks, classify("google", model, lastErr))
	}()
	return chunks, nil
}

// consume drains one stream iterator. Returns done=true when the stream
// finished (successfully or after emitting content that makes a retry
// unsafe).
func (p *GoogleProvider) consume(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- *llm.CompletionChunk) (bool, error) {
	emitted := false
	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if ctx.Err() != nil {
			fail(chunks, ctx.Err())
			return true, nil
		}
		if err != nil {
			if emitted {
				// Partial output already reached the caller; surface the
				// failure instead of replaying the stream.
				fail(chunks, classify("google", model, err))
				return true, nil
			}
			return false, err
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					emitted = true
					chunks <- &llm.CompletionChunk{Text: part.Text}
				}
				if part.FunctionCall != nil {
					emitted = true
					chunks <- &llm.CompletionChunk{ToolCall: geminiToolCall(part.FunctionCall)}
				}
			}
		}
	}
	chunks <- &llm.CompletionChunk{Done: true}
	return true, nil
}

func geminiToolCall(call *genai.FunctionCall) *models.ToolCall {
	args, err := json.Marshal(call.Args)
	if err != nil || len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return &models.ToolCall{
		ID:        fmt.Sprintf("%s-%d", call.Name, time.Now().UnixNano()),
		Name:      call.Name,
		Arguments: args,
	}
}

func (p *GoogleProvider) buildConfig(req *llm.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		if maxTokens > math.MaxInt32 {
			maxTokens = math.MaxInt32
		}
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}
	return config
}

// buildContents converts the neutral conversation: user/tool turns map
// to the user role, assistant to the model role; tool calls and results
// become function call/response parts.
func (p *GoogleProvider) buildContents(messages []llm.CompletionMessage) ([]*genai.Content, error) {
	// Function responses reference calls by id; remember the names.
	names := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" {
				names[tc.ID] = tc.Name
			}
		}
	}

	var out []*genai.Content
	for _, msg := range messages {
		if msg.Role == "system" {
			// System content travels in the config.
			continue
		}
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, att := range msg.Attachments {
			if part := geminiImagePart(att); part != nil {
				content.Parts = append(content.Parts, part)
			}
		}
		for _, tc := range msg.ToolCalls {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: tc.Name,
					Args: toolconv.DecodeArguments(tc.Arguments),
				},
			})
		}
		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil || response == nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     names[tr.ToolCallID],
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out, nil
}

// geminiImagePart renders an inline image attachment as a data blob.
// Attachment data is base64 text; genai wants raw bytes, so it travels
// decoded when possible and is skipped otherwise.
func geminiImagePart(att models.Attachment) *genai.Part {
	if att.Type != "image" || len(att.Data) == 0 {
		return nil
	}
	mime := att.MimeType
	if mime == "" {
		mime = "image/png"
	}
	decoded, err := base64Decode(att.Data)
	if err != nil {
		return nil
	}
	return &genai.Part{
		InlineData: &genai.Blob{MIMEType: mime, Data: decoded},
	}
}
