package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgemind/edgemind/pkg/models"
)

// mockRuntime is a scriptable backend for tests.
type mockRuntime struct {
	id     string
	chunks []StreamChunk
	// hold keeps streams open until released, for concurrency tests.
	hold chan struct{}

	streams atomic.Int64
}

func (m *mockRuntime) BackendID() string          { return m.id }
func (m *mockRuntime) ModelName() string          { return "mock-model" }
func (m *mockRuntime) MaxContextLength() int      { return 8192 }
func (m *mockRuntime) Capabilities() Capabilities { return Capabilities{Streaming: true} }

func (m *mockRuntime) Generate(ctx context.Context, input Input) (*Output, error) {
	return &Output{Text: "generated", FinishReason: "stop"}, nil
}

func (m *mockRuntime) GenerateStream(ctx context.Context, input Input) (<-chan StreamChunk, error) {
	m.streams.Add(1)
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		if m.hold != nil {
			<-m.hold
		}
		for _, chunk := range m.chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func TestInterface_Unconfigured(t *testing.T) {
	iface := NewInterface(nil, 0)
	if iface.Configured() {
		t.Fatal("nil backend should not report configured")
	}
	if _, err := iface.Generate(context.Background(), Input{}); err == nil {
		t.Fatal("generate without backend must fail")
	}
	if _, err := iface.GenerateStream(context.Background(), Input{}); err == nil {
		t.Fatal("stream without backend must fail")
	}
}

func TestInterface_SwapBackend(t *testing.T) {
	first := &mockRuntime{id: "first"}
	second := &mockRuntime{id: "second"}
	iface := NewInterface(first, 0)

	if iface.Backend().BackendID() != "first" {
		t.Fatal("wrong initial backend")
	}
	iface.SetBackend(second)
	if iface.Backend().BackendID() != "second" {
		t.Fatal("swap did not take effect")
	}
}

func TestInterface_StreamEndsCleanly(t *testing.T) {
	backend := &mockRuntime{id: "mock", chunks: []StreamChunk{
		{Text: "thinking about it", IsThinking: true},
		{Text: "hello"},
		{Text: " world"},
	}}
	iface := NewInterface(backend, 0)

	chunks, err := iface.GenerateStream(context.Background(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	var visible string
	count := 0
	for chunk := range chunks {
		if chunk.Err != nil {
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
		count++
		if !chunk.IsThinking {
			visible += chunk.Text
		}
	}
	if count != 3 || visible != "hello world" {
		t.Errorf("stream mismatch: count=%d visible=%q", count, visible)
	}
}

func TestInterface_MidFlightErrorThenEnd(t *testing.T) {
	backend := &mockRuntime{id: "mock", chunks: []StreamChunk{
		{Text: "partial"},
		{Err: errors.New("backend hiccup")},
	}}
	iface := NewInterface(backend, 0)

	chunks, err := iface.GenerateStream(context.Background(), Input{})
	if err != nil {
		t.Fatal(err)
	}
	var sawErr bool
	for chunk := range chunks {
		if chunk.Err != nil {
			sawErr = true
		} else if sawErr {
			t.Fatal("chunks after the error item")
		}
	}
	if !sawErr {
		t.Fatal("error chunk not delivered")
	}
}

func TestInterface_StreamConcurrencyLimit(t *testing.T) {
	backend := &mockRuntime{id: "mock", hold: make(chan struct{})}
	iface := NewInterface(backend, 2)

	ctx := context.Background()
	var wg sync.WaitGroup
	streams := make([]<-chan StreamChunk, 0, 2)
	for i := 0; i < 2; i++ {
		ch, err := iface.GenerateStream(ctx, Input{})
		if err != nil {
			t.Fatal(err)
		}
		streams = append(streams, ch)
	}

	// Third stream must block until one of the first two finishes.
	third := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch, err := iface.GenerateStream(ctx, Input{})
		if err != nil {
			t.Error(err)
			return
		}
		close(third)
		for range ch {
		}
	}()

	select {
	case <-third:
		t.Fatal("third stream started over the concurrency limit")
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.hold)
	for _, ch := range streams {
		for range ch {
		}
	}
	wg.Wait()
	select {
	case <-third:
	default:
		t.Fatal("third stream never started after permits freed")
	}
}

type fakeProvider struct {
	chunks []*CompletionChunk
	gotReq *CompletionRequest
	tools  bool
}

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.gotReq = req
	out := make(chan *CompletionChunk, len(p.chunks))
	for _, c := range p.chunks {
		out <- c
	}
	close(out)
	return out, nil
}
func (p *fakeProvider) Name() string        { return "fake" }
func (p *fakeProvider) Models() []Model     { return []Model{{ID: "fake-1", ContextSize: 4096}} }
func (p *fakeProvider) SupportsTools() bool { return p.tools }

func TestProviderRuntime_MapsChunks(t *testing.T) {
	provider := &fakeProvider{chunks: []*CompletionChunk{
		{Thinking: "hmm"},
		{Text: "answer"},
		{ToolCall: &models.ToolCall{ID: "t1", Name: "list_devices"}},
		{Done: true},
	}}
	runtime := NewProviderRuntime(provider, "fake-1")

	out, err := runtime.Generate(context.Background(), Input{
		Messages: []Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "answer" || out.Thinking != "hmm" {
		t.Errorf("unexpected output: %+v", out)
	}
	if len(out.ToolCalls) != 1 || out.FinishReason != "tool_calls" {
		t.Errorf("tool call not surfaced: %+v", out)
	}
}

func TestProviderRuntime_ToolInjectionRespectsCapability(t *testing.T) {
	def := ToolDefinition{Name: "list_devices", Parameters: []byte(`{"type":"object"}`)}

	withTools := &fakeProvider{tools: true, chunks: []*CompletionChunk{{Done: true}}}
	runtime := NewProviderRuntime(withTools, "fake-1")
	if _, err := runtime.Generate(context.Background(), Input{Tools: []ToolDefinition{def}}); err != nil {
		t.Fatal(err)
	}
	if len(withTools.gotReq.Tools) != 1 {
		t.Error("native-tool backend should receive tool definitions")
	}

	withoutTools := &fakeProvider{tools: false, chunks: []*CompletionChunk{{Done: true}}}
	runtime = NewProviderRuntime(withoutTools, "fake-1")
	if _, err := runtime.Generate(context.Background(), Input{Tools: []ToolDefinition{def}}); err != nil {
		t.Fatal(err)
	}
	if len(withoutTools.gotReq.Tools) != 0 {
		t.Error("non-native backend must not receive tool definitions")
	}
}

func TestProviderRuntime_Metadata(t *testing.T) {
	runtime := NewProviderRuntime(&fakeProvider{}, "")
	if runtime.ModelName() != "fake-1" {
		t.Errorf("model fallback wrong: %q", runtime.ModelName())
	}
	if runtime.MaxContextLength() != 4096 {
		t.Errorf("context length wrong: %d", runtime.MaxContextLength())
	}
	if runtime.BackendID() != "fake" {
		t.Errorf("backend id wrong: %q", runtime.BackendID())
	}
}
