package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/edgemind/edgemind/pkg/models"
)

func msg(role models.Role, content string) models.AgentMessage {
	return models.AgentMessage{Role: role, Content: content, Timestamp: time.Now()}
}

func TestRenderSystemPrompt(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	out := renderSystemPrompt("utc={utc_time} local={local_time} tz={timezone}", now)
	if strings.Contains(out, "{utc_time}") || strings.Contains(out, "{timezone}") {
		t.Errorf("placeholders not substituted: %q", out)
	}
	if !strings.Contains(out, "2026-03-14T09:26:53Z") {
		t.Errorf("utc time missing: %q", out)
	}
}

func TestBuildContext_OrderAndBudget(t *testing.T) {
	config := DefaultConfig().withDefaults()
	config.ContextTokenBudget = 200

	var history []models.AgentMessage
	for i := 0; i < 50; i++ {
		history = append(history, msg(models.RoleUser, strings.Repeat("x", 100)))
		history = append(history, msg(models.RoleAssistant, strings.Repeat("y", 100)))
	}

	input := buildContext(config, history, "current question", time.Now())

	// Last message is always the current user message.
	last := input.Messages[len(input.Messages)-1]
	if last.Role != models.RoleUser || last.Content != "current question" {
		t.Fatalf("current message must come last: %+v", last)
	}

	// The window kept only what the budget allows, newest history wins.
	if len(input.Messages) >= len(history) {
		t.Error("token budget did not drop old messages")
	}

	// Messages are in chronological order: the selected window's first
	// entry is older than its last (both from the tail of history).
	if len(input.Messages) > 2 {
		first := input.Messages[0]
		if first.Role == models.RoleUser && first.Content == history[0].Content {
			t.Error("window should start from the newest messages, not the oldest")
		}
	}
}

func TestBuildContext_EmptyHistory(t *testing.T) {
	config := DefaultConfig().withDefaults()
	input := buildContext(config, nil, "hello", time.Now())
	if len(input.Messages) != 1 {
		t.Fatalf("expected only the user message, got %d", len(input.Messages))
	}
	if input.System == "" {
		t.Error("system prompt missing")
	}
}

func TestSummariseStaleToolResults(t *testing.T) {
	config := DefaultConfig().withDefaults()
	config.RecentToolResultTurns = 1

	long := strings.Repeat("result line\n", 50)
	history := []models.AgentMessage{
		msg(models.RoleUser, "turn one"),
		{Role: models.RoleTool, Content: long, ToolCallName: "list_devices"},
		msg(models.RoleUser, "turn two"),
		{Role: models.RoleTool, Content: long, ToolCallName: "get_state"},
	}

	out := summariseStaleToolResults(config, history)

	// The newest turn's tool result stays verbatim.
	if out[3].Content != long {
		t.Error("recent tool result must stay verbatim")
	}
	// The older one is summarised in place.
	if out[1].Content == long {
		t.Error("stale tool result must be summarised")
	}
	if !strings.Contains(out[1].Content, "list_devices") {
		t.Errorf("summary should name the tool: %q", out[1].Content)
	}
	// The original slice is untouched.
	if history[1].Content != long {
		t.Error("summarisation must not mutate the caller's history")
	}
}

func TestRepetitionDetector(t *testing.T) {
	d := newRepetitionDetector()
	if d.Observe("The answer is 42.") {
		t.Fatal("first observation cannot be a repeat")
	}
	// Case and whitespace differences still match.
	if !d.Observe("  the ANSWER is   42.  ") {
		t.Fatal("normalised repeat not detected")
	}
	if d.Observe("something else entirely") {
		t.Fatal("distinct content flagged")
	}
	// Only the last 10 hashes are remembered.
	for i := 0; i < 12; i++ {
		d.Observe(strings.Repeat("filler", i+1))
	}
	if d.Observe("The answer is 42.") {
		t.Error("hash older than the window should have been forgotten")
	}
}

func TestFallbackRules(t *testing.T) {
	rule := FallbackRule{Keywords: []string{"Devices"}, ToolName: "list_devices"}
	if !rule.Matches("show my DEVICES please") {
		t.Error("keyword match must be case-insensitive")
	}
	if rule.Matches("hello there") {
		t.Error("unrelated message matched")
	}
}

func TestClassifyIntent(t *testing.T) {
	if intent := classifyIntent("what's the temperature on the balcony sensor"); intent == nil || intent.Category != "device_query" {
		t.Errorf("expected device_query, got %+v", intent)
	}
	if intent := classifyIntent("ponder the nature of existence"); intent != nil {
		t.Errorf("expected no intent, got %+v", intent)
	}
}
