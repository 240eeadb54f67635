package agent

import (
	"strings"
	"time"

	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/memory"
	"github.com/edgemind/edgemind/pkg/models"
)

// minTruncateChars is the smallest remaining budget (in characters) worth
// truncating a system or user message into instead of dropping it.
const minTruncateChars = 100

// renderSystemPrompt substitutes the time placeholders.
func renderSystemPrompt(template string, now time.Time) string {
	local := now.Local()
	zone, _ := local.Zone()
	r := strings.NewReplacer(
		"{utc_time}", now.UTC().Format(time.RFC3339),
		"{local_time}", local.Format(time.RFC3339),
		"{timezone}", zone,
	)
	return r.Replace(template)
}

// buildContext assembles the message window for one LLM call: system
// prompt first, then as much history as the token budget allows (walked
// newest-to-oldest, then reversed back to chronological order), then the
// current user message.
func buildContext(config Config, history []models.AgentMessage, userMessage string, now time.Time) llm.Input {
	input := llm.Input{
		System: renderSystemPrompt(config.SystemPrompt, now),
		Model:  config.Model,
		Params: llm.GenParams{
			Temperature: config.Temperature,
			TopP:        config.TopP,
			MaxTokens:   config.MaxTokens,
		},
	}

	history = summariseStaleToolResults(config, history)

	budget := config.ContextTokenBudget
	budget -= len(input.System) / 4
	budget -= len(userMessage) / 4

	var window []models.AgentMessage
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		cost := memory.EstimateTokens(msg)
		if cost <= budget {
			window = append(window, msg)
			budget -= cost
			continue
		}
		// System and user messages may be truncated into the remaining
		// budget instead of dropped, when enough space is left to be
		// useful.
		if (msg.Role == models.RoleSystem || msg.Role == models.RoleUser) && budget*4 > minTruncateChars {
			truncated := msg
			if cut := budget * 4; cut < len(truncated.Content) {
				truncated.Content = truncated.Content[:cut]
			}
			window = append(window, truncated)
			budget = 0
		}
		// Older messages cannot fit either; stop walking.
		break
	}

	// The walk collected newest-first; restore chronological order.
	for i := len(window) - 1; i >= 0; i-- {
		input.Messages = append(input.Messages, toLLMMessage(window[i]))
	}

	input.Messages = append(input.Messages, llm.Message{
		Role:    models.RoleUser,
		Content: userMessage,
	})
	return input
}

// summariseStaleToolResults keeps verbatim tool results only for the most
// recent turns; older tool messages collapse to a one-line summary.
func summariseStaleToolResults(config Config, history []models.AgentMessage) []models.AgentMessage {
	keep := config.RecentToolResultTurns
	out := make([]models.AgentMessage, len(history))
	copy(out, history)

	// Count turns backward; a turn boundary is a user message.
	turn := 0
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == models.RoleUser {
			turn++
		}
		if turn <= keep {
			continue
		}
		if out[i].Role == models.RoleTool && len(out[i].Content) > minTruncateChars {
			out[i].Content = summariseToolResult(out[i])
		}
	}
	return out
}

func summariseToolResult(msg models.AgentMessage) string {
	name := msg.ToolCallName
	if name == "" {
		name = "tool"
	}
	line := strings.SplitN(strings.TrimSpace(msg.Content), "\n", 2)[0]
	if len(line) > 80 {
		line = line[:80] + "…"
	}
	return "[" + name + " result summarised: " + line + "]"
}

func toLLMMessage(msg models.AgentMessage) llm.Message {
	out := llm.Message{
		Role:      msg.Role,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
	}
	if msg.Role == models.RoleTool {
		// Tool turns travel as results keyed to their originating call.
		out.Role = models.RoleTool
		out.ToolResults = []models.ToolResult{{
			ToolCallID: msg.ToolCallName,
			Content:    msg.Content,
		}}
	}
	for _, img := range msg.Images {
		out.Attachments = append(out.Attachments, models.Attachment{
			Type:     "image",
			MimeType: img.MimeType,
			Data:     []byte(img.Base64),
		})
	}
	return out
}
