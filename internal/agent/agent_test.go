package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/memory"
	"github.com/edgemind/edgemind/internal/tools"
	"github.com/edgemind/edgemind/pkg/models"
)

// scriptedBackend returns canned chunk sequences, one per LLM call.
type scriptedBackend struct {
	scripts [][]llm.StreamChunk
	calls   atomic.Int64
}

func (b *scriptedBackend) BackendID() string          { return "scripted" }
func (b *scriptedBackend) ModelName() string          { return "test-model" }
func (b *scriptedBackend) MaxContextLength() int      { return 32000 }
func (b *scriptedBackend) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true}
}
func (b *scriptedBackend) Generate(ctx context.Context, input llm.Input) (*llm.Output, error) {
	return nil, fmt.Errorf("not used")
}
func (b *scriptedBackend) GenerateStream(ctx context.Context, input llm.Input) (<-chan llm.StreamChunk, error) {
	n := int(b.calls.Add(1)) - 1
	script := b.scripts[len(b.scripts)-1]
	if n < len(b.scripts) {
		script = b.scripts[n]
	}
	out := make(chan llm.StreamChunk, len(script))
	for _, chunk := range script {
		out <- chunk
	}
	close(out)
	return out, nil
}

func textChunks(parts ...string) []llm.StreamChunk {
	out := make([]llm.StreamChunk, len(parts))
	for i, p := range parts {
		out[i] = llm.StreamChunk{Text: p}
	}
	return out
}

func testRegistry(t *testing.T) (*tools.Registry, *tools.Executor, *atomic.Int64) {
	t.Helper()
	var listCalls atomic.Int64
	registry := tools.NewRegistry()
	registry.Register(&tools.Func{
		ToolName:        "list_devices",
		ToolDescription: "lists devices",
		Fn: func(context.Context, json.RawMessage) tools.Output {
			listCalls.Add(1)
			return tools.OK([]string{"dev-1", "dev-2"})
		},
	})
	executor := tools.NewExecutor(registry, tools.ExecConfig{
		PerToolTimeout: time.Second,
		RetryBackoff:   time.Millisecond,
	}, nil)
	return registry, executor, &listCalls
}

func newTestAgent(t *testing.T, backend llm.Runtime, opts ...Option) (*Agent, *atomic.Int64) {
	t.Helper()
	registry, executor, listCalls := testRegistry(t)
	var iface *llm.Interface
	if backend != nil {
		iface = llm.NewInterface(backend, 0)
	}
	agent := New("sess-1", Config{}, registry, executor, iface,
		memory.NewShortTerm(memory.DefaultShortTermConfig()), nil, opts...)
	return agent, listCalls
}

func collect(t *testing.T, events <-chan models.AgentEvent) []models.AgentEvent {
	t.Helper()
	var out []models.AgentEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
}

func eventTypes(events []models.AgentEvent) []models.AgentEventType {
	out := make([]models.AgentEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// checkInvariants asserts the universal event-stream rules: exactly one
// End, it is last, and every ToolCallStart pairs with a ToolCallEnd
// before End.
func checkInvariants(t *testing.T, events []models.AgentEvent) {
	t.Helper()
	ends := 0
	opens := 0
	for i, ev := range events {
		switch ev.Type {
		case models.EventEnd:
			ends++
			if i != len(events)-1 {
				t.Error("End must be the final event")
			}
		case models.EventToolCallStart:
			opens++
		case models.EventToolCallEnd:
			opens--
			if opens < 0 {
				t.Error("ToolCallEnd without matching ToolCallStart")
			}
		}
	}
	if ends != 1 {
		t.Errorf("expected exactly one End, got %d", ends)
	}
	if opens != 0 {
		t.Errorf("%d ToolCallStart events left unmatched", opens)
	}
	// Sequence numbers are strictly increasing.
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Error("event sequence not monotonic")
		}
	}
}

func TestAgent_SimpleToolCall(t *testing.T) {
	backend := &scriptedBackend{scripts: [][]llm.StreamChunk{
		textChunks(`<tool_calls><invoke name="list_devices"></invoke></tool_calls>`),
		textChunks("Done."),
	}}
	agent, listCalls := newTestAgent(t, backend)

	events := collect(t, agent.ProcessStream(context.Background(), "list my devices"))
	checkInvariants(t, events)

	var sawStart, sawEnd, sawContent bool
	for _, ev := range events {
		switch ev.Type {
		case models.EventToolCallStart:
			sawStart = ev.ToolStart.Tool == "list_devices"
		case models.EventToolCallEnd:
			sawEnd = ev.ToolEnd.Tool == "list_devices" && ev.ToolEnd.Success
		case models.EventContent:
			sawContent = ev.Content.Text == "Done."
		}
	}
	if !sawStart || !sawEnd || !sawContent {
		t.Errorf("missing events: start=%v end=%v content=%v types=%v",
			sawStart, sawEnd, sawContent, eventTypes(events))
	}
	if listCalls.Load() != 1 {
		t.Errorf("tool executed %d times, want 1", listCalls.Load())
	}
	if got := backend.calls.Load(); got != 2 {
		t.Errorf("expected 2 llm calls (plan + follow-up), got %d", got)
	}

	// Session memory holds the user turn then the assistant turn with the
	// executed tool call attached.
	history := agent.ShortTerm().List()
	if len(history) != 2 {
		t.Fatalf("expected 2 messages in memory, got %d", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("wrong roles: %s, %s", history[0].Role, history[1].Role)
	}
	if len(history[1].ToolCalls) != 1 || history[1].ToolCalls[0].Name != "list_devices" {
		t.Errorf("assistant message missing tool call: %+v", history[1].ToolCalls)
	}
	if len(history[1].ToolCalls[0].Result) == 0 {
		t.Error("tool call result not recorded")
	}
}

func TestAgent_JSONToolCallForm(t *testing.T) {
	backend := &scriptedBackend{scripts: [][]llm.StreamChunk{
		textChunks(`[{"name": "list_devices", "arguments": {}}]`),
		textChunks("Here you go."),
	}}
	agent, listCalls := newTestAgent(t, backend)
	events := collect(t, agent.ProcessStream(context.Background(), "devices please"))
	checkInvariants(t, events)
	if listCalls.Load() != 1 {
		t.Errorf("JSON-form tool call not executed")
	}
}

func TestAgent_NoToolCall(t *testing.T) {
	backend := &scriptedBackend{scripts: [][]llm.StreamChunk{
		{{Text: "thinking…", IsThinking: true}, {Text: "Hello!"}},
	}}
	agent, _ := newTestAgent(t, backend)
	events := collect(t, agent.ProcessStream(context.Background(), "hi"))
	checkInvariants(t, events)

	if backend.calls.Load() != 1 {
		t.Errorf("plain answer should take one llm call, got %d", backend.calls.Load())
	}
	var thinking, content bool
	for _, ev := range events {
		if ev.Type == models.EventThinking {
			thinking = true
		}
		if ev.Type == models.EventContent && ev.Content.Text == "Hello!" {
			content = true
		}
	}
	if !thinking || !content {
		t.Errorf("expected thinking and content events, got %v", eventTypes(events))
	}
}

func TestAgent_ThirtyRoundStability(t *testing.T) {
	backend := &scriptedBackend{scripts: [][]llm.StreamChunk{
		textChunks(`<tool_calls><invoke name="list_devices"></invoke></tool_calls>`),
		textChunks("Done."),
	}}
	// Alternate plan/follow-up scripts for every turn.
	backend.scripts = nil
	for i := 0; i < 30; i++ {
		backend.scripts = append(backend.scripts,
			textChunks(`<tool_calls><invoke name="list_devices"></invoke></tool_calls>`),
			textChunks(fmt.Sprintf("Done %d.", i)))
	}
	agent, listCalls := newTestAgent(t, backend)

	start := time.Now()
	for i := 0; i < 30; i++ {
		events := collect(t, agent.ProcessStream(context.Background(), fmt.Sprintf("round %d: list devices", i)))
		checkInvariants(t, events)
		for _, ev := range events {
			if ev.Type == models.EventError {
				t.Fatalf("round %d errored: %s", i, ev.Error.Text)
			}
		}
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("30 rounds took %s", elapsed)
	}
	if listCalls.Load() != 30 {
		t.Errorf("expected 30 tool executions, got %d", listCalls.Load())
	}
	if backend.calls.Load() != 60 {
		t.Errorf("expected exactly 2 llm calls per round (60 total), got %d", backend.calls.Load())
	}
}

func TestAgent_ToolCallCeiling(t *testing.T) {
	invoke := `<invoke name="list_devices"></invoke>`
	script := "<tool_calls>"
	for i := 0; i < 7; i++ {
		script += invoke
	}
	script += "</tool_calls>"

	backend := &scriptedBackend{scripts: [][]llm.StreamChunk{
		textChunks(script),
		textChunks("done"),
	}}
	registry, executor, listCalls := testRegistry(t)
	agent := New("sess-1", Config{MaxToolCallsPerRequest: 5}, registry, executor,
		llm.NewInterface(backend, 0), nil, nil)

	events := collect(t, agent.ProcessStream(context.Background(), "go"))
	checkInvariants(t, events)

	var warned bool
	for _, ev := range events {
		if ev.Type == models.EventWarning {
			warned = true
		}
	}
	if !warned {
		t.Error("ceiling truncation must emit a warning")
	}
	if listCalls.Load() != 5 {
		t.Errorf("expected exactly 5 executions, got %d", listCalls.Load())
	}
}

func TestAgent_LLMCallCeilingSummarises(t *testing.T) {
	// Every call returns another tool request, so the ceiling trips.
	toolScript := textChunks(`<tool_calls><invoke name="list_devices"></invoke></tool_calls>`)
	backend := &scriptedBackend{scripts: [][]llm.StreamChunk{toolScript, toolScript, toolScript}}
	agent, _ := newTestAgent(t, backend)

	events := collect(t, agent.ProcessStream(context.Background(), "loop forever"))
	checkInvariants(t, events)

	if backend.calls.Load() > 2 {
		t.Errorf("simple path must cap at 2 llm calls, made %d", backend.calls.Load())
	}
	var warned, content bool
	for _, ev := range events {
		if ev.Type == models.EventWarning {
			warned = true
		}
		if ev.Type == models.EventContent && ev.Content.Text != "" {
			content = true
		}
	}
	if !warned || !content {
		t.Error("ceiling must warn and still produce a final summary message")
	}
}

func TestAgent_ThinkingCeiling(t *testing.T) {
	var chunks []llm.StreamChunk
	for i := 0; i < 20; i++ {
		chunks = append(chunks, llm.StreamChunk{Text: "hmm ", IsThinking: true})
	}
	backend := &scriptedBackend{scripts: [][]llm.StreamChunk{chunks}}
	agent, _ := newTestAgent(t, backend)

	events := collect(t, agent.ProcessStream(context.Background(), "ponder"))
	checkInvariants(t, events)

	thinking := 0
	warned := false
	for _, ev := range events {
		if ev.Type == models.EventThinking {
			thinking++
		}
		if ev.Type == models.EventWarning {
			warned = true
		}
	}
	if thinking > 11 {
		t.Errorf("thinking ceiling did not cut the stream: %d chunks", thinking)
	}
	if !warned {
		t.Error("thinking ceiling must warn")
	}
}

func TestAgent_FallbackWithoutLLM(t *testing.T) {
	agent, listCalls := newTestAgent(t, nil)

	events := collect(t, agent.ProcessStream(context.Background(), "please list devices"))
	checkInvariants(t, events)

	if listCalls.Load() != 1 {
		t.Error("matching fallback rule must invoke its tool")
	}
	var content bool
	for _, ev := range events {
		if ev.Type == models.EventContent {
			content = true
		}
	}
	if !content {
		t.Error("fallback must still produce content")
	}
}

func TestAgent_RepetitionWarning(t *testing.T) {
	scripts := [][]llm.StreamChunk{
		textChunks("The answer is 42."),
		textChunks("The answer is 42."),
	}
	backend := &scriptedBackend{scripts: scripts}
	agent, _ := newTestAgent(t, backend)

	collect(t, agent.ProcessStream(context.Background(), "q1"))
	events := collect(t, agent.ProcessStream(context.Background(), "q2"))
	checkInvariants(t, events)

	var warned bool
	for _, ev := range events {
		if ev.Type == models.EventWarning {
			warned = true
		}
	}
	if !warned {
		t.Error("hash-equal responses must be flagged as repetitive")
	}
}

func TestAgent_IntentEmittedFirst(t *testing.T) {
	backend := &scriptedBackend{scripts: [][]llm.StreamChunk{textChunks("ok")}}
	agent, _ := newTestAgent(t, backend)

	events := collect(t, agent.ProcessStream(context.Background(), "what is the temperature sensor status"))
	checkInvariants(t, events)
	if events[0].Type != models.EventIntent {
		t.Errorf("intent must precede other events, got %v", eventTypes(events))
	}
}

type capturePersister struct {
	got atomic.Int64
}

func (p *capturePersister) PersistHistory(_ context.Context, _ string, history []models.AgentMessage) error {
	p.got.Store(int64(len(history)))
	return nil
}

func TestAgent_PersisterInvoked(t *testing.T) {
	backend := &scriptedBackend{scripts: [][]llm.StreamChunk{textChunks("hi")}}
	persister := &capturePersister{}
	agent, _ := newTestAgent(t, backend, WithPersister(persister))

	collect(t, agent.ProcessStream(context.Background(), "hello"))
	deadline := time.Now().Add(2 * time.Second)
	for persister.got.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if persister.got.Load() != 2 {
		t.Errorf("persister should receive 2 messages, got %d", persister.got.Load())
	}
}
