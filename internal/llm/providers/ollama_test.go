package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/pkg/models"
)

func ollamaServer(t *testing.T, lines []string, capture *ollamaRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if capture != nil {
			_ = json.NewDecoder(r.Body).Decode(capture)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}))
}

func drain(t *testing.T, chunks <-chan *llm.CompletionChunk) []*llm.CompletionChunk {
	t.Helper()
	var out []*llm.CompletionChunk
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
}

func TestOllama_StreamTextAndUsage(t *testing.T) {
	var captured ollamaRequest
	server := ollamaServer(t, []string{
		`{"message": {"role": "assistant", "content": "Hel"}}`,
		`{"message": {"role": "assistant", "content": "lo"}}`,
		`{"done": true, "prompt_eval_count": 12, "eval_count": 3}`,
	}, &captured)
	defer server.Close()

	provider := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, DefaultModel: "llama3.1"})
	chunks, err := provider.Complete(context.Background(), &llm.CompletionRequest{
		System:   "be terse",
		Messages: []llm.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := drain(t, chunks)

	var text string
	var done *llm.CompletionChunk
	for _, chunk := range out {
		if chunk.Error != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
		text += chunk.Text
		if chunk.Done {
			done = chunk
		}
	}
	if text != "Hello" {
		t.Errorf("text = %q", text)
	}
	if done == nil || done.InputTokens != 12 || done.OutputTokens != 3 {
		t.Errorf("usage not surfaced: %+v", done)
	}

	// Request shape: system first, then the user turn.
	if captured.Model != "llama3.1" || len(captured.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if captured.Messages[0].Role != "system" || captured.Messages[1].Role != "user" {
		t.Errorf("message order wrong: %+v", captured.Messages)
	}
}

func TestOllama_ToolCallsDeduplicated(t *testing.T) {
	server := ollamaServer(t, []string{
		`{"message": {"role": "assistant", "tool_calls": [{"id": "c1", "function": {"name": "list_devices", "arguments": {"type": "sensor"}}}]}}`,
		`{"message": {"role": "assistant", "tool_calls": [{"id": "c1", "function": {"name": "list_devices", "arguments": {"type": "sensor"}}}]}}`,
		`{"done": true}`,
	}, nil)
	defer server.Close()

	provider := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, DefaultModel: "llama3.1"})
	chunks, err := provider.Complete(context.Background(), &llm.CompletionRequest{
		Messages: []llm.CompletionMessage{{Role: "user", Content: "list"}},
		Tools:    []llm.ToolDefinition{{Name: "list_devices", Parameters: []byte(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var calls []*models.ToolCall
	for _, chunk := range drain(t, chunks) {
		if chunk.ToolCall != nil {
			calls = append(calls, chunk.ToolCall)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("repeated tool call must deduplicate, got %d", len(calls))
	}
	if calls[0].Name != "list_devices" || string(calls[0].Arguments) == "" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}

func TestOllama_ErrorLineEndsStream(t *testing.T) {
	server := ollamaServer(t, []string{
		`{"error": "model not found"}`,
	}, nil)
	defer server.Close()

	provider := NewOllamaProvider(OllamaConfig{BaseURL: server.URL, DefaultModel: "nope"})
	chunks, err := provider.Complete(context.Background(), &llm.CompletionRequest{
		Messages: []llm.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := drain(t, chunks)
	if len(out) == 0 || out[len(out)-1].Error == nil {
		t.Fatal("error line must surface as a terminal error chunk")
	}
}

func TestOllama_NoModelConfigured(t *testing.T) {
	provider := NewOllamaProvider(OllamaConfig{})
	if _, err := provider.Complete(context.Background(), &llm.CompletionRequest{}); err == nil {
		t.Fatal("missing model must fail fast")
	}
}

func TestOllama_BuildMessages(t *testing.T) {
	provider := NewOllamaProvider(OllamaConfig{DefaultModel: "m"})
	msgs := provider.buildMessages(&llm.CompletionRequest{
		System: "sys",
		Messages: []llm.CompletionMessage{
			{Role: "user", Content: "turn on the pump"},
			{Role: "assistant", ToolCalls: []models.ToolCall{{
				ID: "c1", Name: "send_device_command", Arguments: json.RawMessage(`{"device_id":"pump-1"}`),
			}}},
			{Role: "tool", ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "ok"}}},
		},
	})
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[2].ToolCalls[0].Function.Name != "send_device_command" {
		t.Errorf("assistant tool call lost: %+v", msgs[2])
	}
	if msgs[3].Role != "tool" || msgs[3].ToolName != "send_device_command" {
		t.Errorf("tool result should carry the resolved tool name: %+v", msgs[3])
	}
}
