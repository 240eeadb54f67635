package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/llm/toolconv"
	"github.com/edgemind/edgemind/pkg/models"
)

// OllamaConfig configures a local Ollama endpoint.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// OllamaProvider speaks Ollama's /api/chat NDJSON stream.
type OllamaProvider struct {
	baseURL      string
	defaultModel string
	client       *http.Client
}

// NewOllamaProvider creates an Ollama provider.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaProvider{
		baseURL:      baseURL,
		defaultModel: cfg.DefaultModel,
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

// Models lists only the configured default; Ollama's catalog is whatever
// the local daemon has pulled.
func (p *OllamaProvider) Models() []llm.Model {
	if p.defaultModel == "" {
		return nil
	}
	return []llm.Model{{ID: p.defaultModel, Name: p.defaultModel}}
}

func (p *OllamaProvider) SupportsTools() bool { return true }

// ollamaRequest is the /api/chat body.
type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    any             `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	} `json:"function"`
}

type ollamaResponse struct {
	Message         *ollamaMessage `json:"message"`
	Done            bool           `json:"done"`
	Error           string         `json:"error"`
	EvalCount       int            `json:"eval_count"`
	PromptEvalCount int            `json:"prompt_eval_count"`
}

// Complete sends a streaming chat request.
func (p *OllamaProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	if req == nil {
		return nil, errs.InvalidArguments("request", "must not be nil")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, errs.Configuration("ollama: no model configured", nil)
	}

	payload := ollamaRequest{
		Model:    model,
		Stream:   true,
		Messages: p.buildMessages(req),
	}
	if len(req.Tools) > 0 {
		payload.Tools = toolconv.ToOpenAITools(req.Tools)
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Serialization("encode ollama request", err)
	}

	// Opening the stream goes through the shared retry policy; the
	// request body is re-readable so each attempt rebuilds it.
	resp, err := openStream(ctx, "ollama", model, func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
			resp.Body.Close()
			return nil, classifyStatus("ollama", model, resp.StatusCode, string(errBody))
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *llm.CompletionChunk)
	go p.stream(ctx, resp.Body, chunks, model)
	return chunks, nil
}

// stream decodes the NDJSON response line by line.
func (p *OllamaProvider) stream(ctx context.Context, body io.ReadCloser, chunks chan<- *llm.CompletionChunk, model string) {
	defer close(chunks)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	// Ollama occasionally repeats a tool call across lines.
	emitted := map[string]struct{}{}
	for scanner.Scan() {
		if ctx.Err() != nil {
			fail(chunks, ctx.Err())
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			fail(chunks, errs.Serialization("decode ollama response", err))
			return
		}
		if resp.Error != "" {
			fail(chunks, classify("ollama", model, errs.Logical(resp.Error, nil)))
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				chunks <- &llm.CompletionChunk{Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				call := decodeOllamaToolCall(tc)
				if _, dup := emitted[call.ID]; dup {
					continue
				}
				emitted[call.ID] = struct{}{}
				chunks <- &llm.CompletionChunk{ToolCall: call}
			}
		}
		if resp.Done {
			chunks <- &llm.CompletionChunk{
				Done:         true,
				InputTokens:  resp.PromptEvalCount,
				OutputTokens: resp.EvalCount,
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		fail(chunks, classify("ollama", model, err))
	}
}

// decodeOllamaToolCall maps a wire tool call onto the shared model,
// synthesising a stable id when the daemon omits one.
func decodeOllamaToolCall(tc ollamaToolCall) *models.ToolCall {
	id := strings.TrimSpace(tc.ID)
	if id == "" {
		name := strings.TrimSpace(tc.Function.Name)
		args := strings.TrimSpace(string(tc.Function.Arguments))
		if name != "" || args != "" {
			id = name + ":" + args
		} else {
			id = uuid.NewString()
		}
	}
	args := tc.Function.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return &models.ToolCall{
		ID:        id,
		Name:      strings.TrimSpace(tc.Function.Name),
		Arguments: args,
	}
}

// buildMessages flattens the neutral conversation into Ollama's shape:
// the system prompt leads, assistant tool calls ride along their turn,
// and each tool result becomes its own tool-role message.
func (p *OllamaProvider) buildMessages(req *llm.CompletionRequest) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		out = append(out, ollamaMessage{Role: "system", Content: system})
	}

	// Tool results reference calls by id; remember the names.
	names := map[string]string{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" {
				names[tc.ID] = tc.Name
			}
		}
	}

	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = "user"
		}
		switch role {
		case "assistant":
			converted := ollamaMessage{Role: role, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				wire := ollamaToolCall{ID: tc.ID, Type: "function"}
				wire.Function.Name = tc.Name
				wire.Function.Arguments = tc.Arguments
				if len(wire.Function.Arguments) == 0 {
					wire.Function.Arguments = json.RawMessage(`{}`)
				}
				converted.ToolCalls = append(converted.ToolCalls, wire)
			}
			out = append(out, converted)
		case "tool":
			if len(msg.ToolResults) == 0 {
				out = append(out, ollamaMessage{Role: role, Content: msg.Content})
				continue
			}
			for _, tr := range msg.ToolResults {
				out = append(out, ollamaMessage{
					Role:     "tool",
					Content:  tr.Content,
					ToolName: names[tr.ToolCallID],
				})
			}
		default:
			out = append(out, ollamaMessage{Role: role, Content: msg.Content})
		}
	}
	return out
}
