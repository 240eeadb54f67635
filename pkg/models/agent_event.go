// Package models provides the domain types shared across the edge agent
// platform's subsystems.
package models

import (
	"time"
)

// AgentEvent is the unified event model streamed back to the caller of an
// agent request.
//
// Design principles:
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
//   - EventEnd is the only terminator a caller treats as "request done";
//     EventIntermediateEnd closes one inner tool round and is always
//     followed by more events.
type AgentEvent struct {
	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a request for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// SessionID identifies the session the request belongs to.
	SessionID string `json:"session_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Thinking  *TextPayload     `json:"thinking,omitempty"`
	Content   *TextPayload     `json:"content,omitempty"`
	ToolStart *ToolStartPayload `json:"tool_start,omitempty"`
	ToolEnd   *ToolEndPayload  `json:"tool_end,omitempty"`
	Intent    *IntentPayload   `json:"intent,omitempty"`
	Plan      *PlanPayload     `json:"plan,omitempty"`
	Progress  *ProgressPayload `json:"progress,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
	Warning   *TextPayload     `json:"warning,omitempty"`
	Error     *TextPayload     `json:"error,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	EventThinking        AgentEventType = "thinking"
	EventContent         AgentEventType = "content"
	EventToolCallStart   AgentEventType = "tool_call_start"
	EventToolCallEnd     AgentEventType = "tool_call_end"
	EventIntent          AgentEventType = "intent"
	EventPlan            AgentEventType = "plan"
	EventProgress        AgentEventType = "progress"
	EventHeartbeat       AgentEventType = "heartbeat"
	EventWarning         AgentEventType = "warning"
	EventError           AgentEventType = "error"
	EventIntermediateEnd AgentEventType = "intermediate_end"
	EventEnd             AgentEventType = "end"
)

// TextPayload is a plain text chunk (thinking, content, warning, error).
type TextPayload struct {
	Text string `json:"text"`
}

// ToolStartPayload announces a tool invocation before it runs.
type ToolStartPayload struct {
	Tool      string `json:"tool"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolEndPayload reports a finished tool invocation.
type ToolEndPayload struct {
	Tool    string `json:"tool"`
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

// IntentPayload carries the classified intent for the current turn; emitted
// at most once per request, before any other substantive event.
type IntentPayload struct {
	Category    string   `json:"category"`
	DisplayName string   `json:"display_name"`
	Confidence  float64  `json:"confidence,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// PlanPayload is an optional progress signal describing a planned step.
type PlanPayload struct {
	Step  string `json:"step"`
	Stage string `json:"stage"`
}

// ProgressPayload reports request progress for long-running turns.
type ProgressPayload struct {
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// HeartbeatPayload is a keepalive marker.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// NewThinkingEvent builds a Thinking chunk event.
func NewThinkingEvent(text string) AgentEvent {
	return AgentEvent{Type: EventThinking, Time: time.Now(), Thinking: &TextPayload{Text: text}}
}

// NewContentEvent builds a visible content chunk event.
func NewContentEvent(text string) AgentEvent {
	return AgentEvent{Type: EventContent, Time: time.Now(), Content: &TextPayload{Text: text}}
}

// NewToolCallStartEvent builds a ToolCallStart event.
func NewToolCallStartEvent(tool, arguments string) AgentEvent {
	return AgentEvent{Type: EventToolCallStart, Time: time.Now(), ToolStart: &ToolStartPayload{Tool: tool, Arguments: arguments}}
}

// NewToolCallEndEvent builds a ToolCallEnd event.
func NewToolCallEndEvent(tool, result string, success bool) AgentEvent {
	return AgentEvent{Type: EventToolCallEnd, Time: time.Now(), ToolEnd: &ToolEndPayload{Tool: tool, Result: result, Success: success}}
}

// NewWarningEvent builds a Warning event.
func NewWarningEvent(text string) AgentEvent {
	return AgentEvent{Type: EventWarning, Time: time.Now(), Warning: &TextPayload{Text: text}}
}

// NewErrorEvent builds an Error event.
func NewErrorEvent(text string) AgentEvent {
	return AgentEvent{Type: EventError, Time: time.Now(), Error: &TextPayload{Text: text}}
}

// NewIntermediateEndEvent closes one inner tool round when more rounds follow.
func NewIntermediateEndEvent() AgentEvent {
	return AgentEvent{Type: EventIntermediateEnd, Time: time.Now()}
}

// NewEndEvent is the final terminator of a request.
func NewEndEvent() AgentEvent {
	return AgentEvent{Type: EventEnd, Time: time.Now()}
}

// IsTerminal reports whether the event ends the whole request.
func (e AgentEvent) IsTerminal() bool { return e.Type == EventEnd }
