package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/memory"
	"github.com/edgemind/edgemind/internal/tools"
	"github.com/edgemind/edgemind/pkg/models"
)

// Persister writes a session's updated history after a turn completes.
// Implementations run on the caller's schedule; the agent invokes it
// asynchronously and never blocks a turn on persistence.
type Persister interface {
	PersistHistory(ctx context.Context, sessionID string, history []models.AgentMessage) error
}

// Agent is the per-session orchestrator. The session manager owns it;
// the tool registry, LLM interface, and memory tiers are shared handles.
type Agent struct {
	sessionID string
	config    Config

	registry  *tools.Registry
	executor  *tools.Executor
	llm       *llm.Interface
	shortTerm *memory.ShortTerm
	logger    *slog.Logger

	repetition    *repetitionDetector
	fallbackRules []FallbackRule
	persister     Persister
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithPersister installs an asynchronous history persister.
func WithPersister(p Persister) Option {
	return func(a *Agent) { a.persister = p }
}

// WithFallbackRules replaces the default keyword fallback rules.
func WithFallbackRules(rules []FallbackRule) Option {
	return func(a *Agent) { a.fallbackRules = rules }
}

// New creates an Agent for one session.
func New(sessionID string, config Config, registry *tools.Registry, executor *tools.Executor, llmIface *llm.Interface, shortTerm *memory.ShortTerm, logger *slog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if shortTerm == nil {
		shortTerm = memory.NewShortTerm(memory.DefaultShortTermConfig())
	}
	a := &Agent{
		sessionID:     sessionID,
		config:        config.withDefaults(),
		registry:      registry,
		executor:      executor,
		llm:           llmIface,
		shortTerm:     shortTerm,
		logger:        logger,
		repetition:    newRepetitionDetector(),
		fallbackRules: DefaultFallbackRules(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SessionID returns the owning session's id.
func (a *Agent) SessionID() string { return a.sessionID }

// ShortTerm exposes the session's conversation buffer.
func (a *Agent) ShortTerm() *memory.ShortTerm { return a.shortTerm }

// emitter serialises the event stream with a monotonic sequence. Sends
// are mutex-ordered so the terminal End is always the last event even
// with the heartbeat goroutine racing.
type emitter struct {
	ch        chan models.AgentEvent
	sessionID string
	seq       atomic.Uint64
	ctx       context.Context

	mu   sync.Mutex
	done bool
}

// send delivers an event, pacing on the caller; a dropped stream
// (cancelled context) stops delivery.
func (e *emitter) send(ev models.AgentEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	if ev.Type == models.EventEnd {
		e.done = true
	}
	ev.Sequence = e.seq.Add(1)
	ev.SessionID = e.sessionID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// executedCall records one tool invocation within a request.
type executedCall struct {
	name      string
	arguments json.RawMessage
	result    string
	success   bool
}

// Process runs one request to completion and returns the final assistant
// text, draining the event stream internally.
func (a *Agent) Process(ctx context.Context, userMessage string) (string, error) {
	var final strings.Builder
	for ev := range a.ProcessStream(ctx, userMessage) {
		switch ev.Type {
		case models.EventContent:
			final.WriteString(ev.Content.Text)
		case models.EventError:
			return final.String(), fmt.Errorf("%s", ev.Error.Text)
		}
	}
	return final.String(), nil
}

// ProcessStream runs one request, streaming events to the returned
// channel. Exactly one End event is emitted, always last; dropping the
// stream (cancelling ctx) stops the request at the next suspension point.
func (a *Agent) ProcessStream(ctx context.Context, userMessage string) <-chan models.AgentEvent {
	ch := make(chan models.AgentEvent, 16)
	go func() {
		defer close(ch)
		reqCtx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
		defer cancel()
		// Delivery paces on the caller's context, not the request
		// timeout: a timed-out request still gets its Error and End.
		em := &emitter{ch: ch, sessionID: a.sessionID, ctx: ctx}

		// Keepalive heartbeats while the request runs.
		heartbeatDone := make(chan struct{})
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-heartbeatDone:
					return
				case <-reqCtx.Done():
					return
				case now := <-ticker.C:
					em.send(models.AgentEvent{
						Type:      models.EventHeartbeat,
						Heartbeat: &models.HeartbeatPayload{Timestamp: now},
					})
				}
			}
		}()

		assistant := a.run(reqCtx, em, userMessage)
		close(heartbeatDone)
		a.updateSession(userMessage, assistant)
		if reqCtx.Err() != nil && ctx.Err() == nil {
			em.send(models.NewErrorEvent("request timed out"))
		}
		em.send(models.NewEndEvent())
	}()
	return ch
}

// run drives the request and returns the assistant message to record.
// Every return path has already emitted its events except End, which the
// caller appends.
func (a *Agent) run(ctx context.Context, em *emitter, userMessage string) models.AgentMessage {
	if intent := classifyIntent(userMessage); intent != nil {
		em.send(models.AgentEvent{Type: models.EventIntent, Intent: intent})
	}

	if a.llm == nil || !a.llm.Configured() {
		return a.runFallbackTurn(ctx, em, userMessage)
	}

	history := a.shortTerm.List()
	var roundMessages []models.AgentMessage
	var executed []executedCall
	var finalContent, finalThinking string
	var assistantCalls []models.ToolCall

	maxCalls := a.config.MaxLLMCalls
	if a.config.Orchestrated {
		maxCalls = a.config.MaxLLMCallsOrchestrated
	}

	for call := 0; call < maxCalls; call++ {
		input := buildContext(a.config, history, userMessage, time.Now())
		for _, msg := range roundMessages {
			input.Messages = append(input.Messages, toLLMMessage(msg))
		}
		if a.registry != nil {
			for _, def := range a.registry.Definitions() {
				input.Tools = append(input.Tools, llm.ToolDefinition{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  def.Parameters,
				})
			}
		}

		text, thinking, nativeCalls, err := a.streamOnce(ctx, em, input)
		if err != nil {
			// LLM failure mid-request degrades to the fallback path.
			a.logger.Warn("llm stream failed, degrading to fallback", "error", err)
			return a.runFallbackTurn(ctx, em, userMessage)
		}
		finalThinking += thinking

		calls := nativeCalls
		visible := text
		if len(calls) == 0 {
			calls, visible = ParseToolCalls(text)
		}

		if len(calls) == 0 {
			finalContent = visible
			break
		}

		// Tool-call ceiling: truncate and warn.
		if len(calls) > a.config.MaxToolCallsPerRequest {
			em.send(models.NewWarningEvent(fmt.Sprintf(
				"model requested %d tool calls; executing the first %d",
				len(calls), a.config.MaxToolCallsPerRequest)))
			calls = calls[:a.config.MaxToolCallsPerRequest]
		}

		// Execute sequentially: later calls may depend on earlier results.
		results := a.executeCalls(ctx, em, calls)
		executed = append(executed, results...)
		assistantCalls = append(assistantCalls, calls...)

		assistantMsg := models.AgentMessage{
			Role:      models.RoleAssistant,
			Content:   visible,
			ToolCalls: calls,
			Timestamp: time.Now(),
		}
		roundMessages = append(roundMessages, assistantMsg)
		for i, res := range results {
			roundMessages = append(roundMessages, models.AgentMessage{
				Role:         models.RoleTool,
				Content:      res.result,
				ToolCallName: calls[i].Name,
				Timestamp:    time.Now(),
			})
		}

		if call+1 >= maxCalls {
			// LLM-call ceiling reached with tool results pending: finish
			// from what we already have, without another call.
			em.send(models.NewWarningEvent("model call ceiling reached; summarising collected tool results"))
			finalContent = summariseResults(executed)
			break
		}
		if a.config.Orchestrated {
			em.send(models.NewIntermediateEndEvent())
		}
	}

	if finalContent != "" {
		if a.repetition.Observe(finalContent) {
			em.send(models.NewWarningEvent("response repeats a recent answer"))
		}
		em.send(models.NewContentEvent(finalContent))
	}

	return models.AgentMessage{
		Role:      models.RoleAssistant,
		Content:   finalContent,
		Thinking:  finalThinking,
		ToolCalls: assistantCalls,
		Timestamp: time.Now(),
	}
}

// streamOnce performs one LLM call, forwarding thinking chunks live and
// buffering visible text so inline tool markers never reach the caller.
// The thinking-chunk ceiling injects a fallback terminator when the model
// appears stuck.
func (a *Agent) streamOnce(ctx context.Context, em *emitter, input llm.Input) (text, thinking string, calls []models.ToolCall, err error) {
	chunks, err := a.llm.GenerateStream(ctx, input)
	if err != nil {
		return "", "", nil, err
	}

	var visible, reasoning strings.Builder
	consecutiveThinking := 0
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			return visible.String(), reasoning.String(), calls, chunk.Err
		case chunk.ToolCall != nil:
			consecutiveThinking = 0
			calls = append(calls, *chunk.ToolCall)
		case chunk.IsThinking:
			consecutiveThinking++
			reasoning.WriteString(chunk.Text)
			em.send(models.NewThinkingEvent(chunk.Text))
			if consecutiveThinking > a.config.ThinkingChunkCeiling {
				em.send(models.NewWarningEvent("model stuck in thinking; terminating the stream"))
				return visible.String(), reasoning.String(), calls, nil
			}
		default:
			consecutiveThinking = 0
			visible.WriteString(chunk.Text)
		}
	}
	return visible.String(), reasoning.String(), calls, nil
}

// executeCalls runs tool calls in order, emitting the paired
// ToolCallStart/ToolCallEnd events and attaching results to the calls.
func (a *Agent) executeCalls(ctx context.Context, em *emitter, calls []models.ToolCall) []executedCall {
	out := make([]executedCall, 0, len(calls))
	for i := range calls {
		call := &calls[i]
		em.send(models.NewToolCallStartEvent(call.Name, string(call.Arguments)))

		result, success := a.executor.ExecuteString(ctx, call.Name, call.Arguments)
		encoded, err := json.Marshal(result)
		if err == nil {
			call.Result = encoded
		}

		em.send(models.NewToolCallEndEvent(call.Name, result, success))
		out = append(out, executedCall{
			name:      call.Name,
			arguments: call.Arguments,
			result:    result,
			success:   success,
		})
	}
	return out
}

// runFallbackTurn produces a keyword-rule answer, emitting the same event
// shape as the LLM path.
func (a *Agent) runFallbackTurn(ctx context.Context, em *emitter, userMessage string) models.AgentMessage {
	reply, call := a.runFallback(ctx, userMessage)
	assistant := models.AgentMessage{
		Role:      models.RoleAssistant,
		Content:   reply,
		Timestamp: time.Now(),
	}
	if call != nil {
		em.send(models.NewToolCallStartEvent(call.name, string(call.arguments)))
		em.send(models.NewToolCallEndEvent(call.name, call.result, call.success))
		encoded, _ := json.Marshal(call.result)
		assistant.ToolCalls = []models.ToolCall{{
			Name:      call.name,
			Arguments: call.arguments,
			Result:    encoded,
		}}
	}
	em.send(models.NewContentEvent(reply))
	return assistant
}

// summariseResults formats a terse final answer from collected tool
// results when no further LLM call is allowed.
func summariseResults(executed []executedCall) string {
	if len(executed) == 0 {
		return "No tool results were collected."
	}
	var b strings.Builder
	b.WriteString("Results:\n")
	for _, call := range executed {
		status := "ok"
		if !call.success {
			status = "failed"
		}
		line := call.result
		if len(line) > 200 {
			line = line[:200] + "…"
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", call.name, status, line)
	}
	return strings.TrimSpace(b.String())
}

// updateSession appends the turn to short-term memory and kicks off
// asynchronous persistence when configured.
func (a *Agent) updateSession(userMessage string, assistant models.AgentMessage) {
	a.shortTerm.Add(models.AgentMessage{
		Role:      models.RoleUser,
		Content:   userMessage,
		Timestamp: time.Now(),
	})
	a.shortTerm.Add(assistant)

	if a.persister != nil {
		history := a.shortTerm.List()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.persister.PersistHistory(ctx, a.sessionID, history); err != nil {
				a.logger.Warn("history persistence failed", "session_id", a.sessionID, "error", err)
			}
		}()
	}
}
