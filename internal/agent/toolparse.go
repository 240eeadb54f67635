package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/edgemind/edgemind/pkg/models"
)

// Inline tool-call markers: some backends cannot emit native tool calls,
// so the model writes them into visible content instead.
var (
	toolCallsBlockRe = regexp.MustCompile(`(?s)<tool_calls>(.*?)</tool_calls>`)
	invokeRe         = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	selfClosingRe    = regexp.MustCompile(`<invoke\s+name="([^"]+)"\s*/>`)
	parameterRe      = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
)

// ParseToolCalls extracts tool calls from assistant text. It accepts the
// inline XML form and a bare JSON array of {name, arguments} objects.
// The returned text is the visible content with the markers removed.
func ParseToolCalls(content string) ([]models.ToolCall, string) {
	if calls, rest, ok := parseXMLToolCalls(content); ok {
		return calls, rest
	}
	if calls, rest, ok := parseJSONToolCalls(content); ok {
		return calls, rest
	}
	return nil, content
}

func parseXMLToolCalls(content string) ([]models.ToolCall, string, bool) {
	blocks := toolCallsBlockRe.FindAllStringSubmatchIndex(content, -1)
	if len(blocks) == 0 {
		return nil, content, false
	}

	var calls []models.ToolCall
	for _, loc := range blocks {
		inner := content[loc[2]:loc[3]]
		for _, m := range invokeRe.FindAllStringSubmatch(inner, -1) {
			calls = append(calls, buildCall(m[1], m[2]))
		}
		for _, m := range selfClosingRe.FindAllStringSubmatch(inner, -1) {
			calls = append(calls, buildCall(m[1], ""))
		}
	}
	if len(calls) == 0 {
		return nil, content, false
	}
	rest := strings.TrimSpace(toolCallsBlockRe.ReplaceAllString(content, ""))
	return calls, rest, true
}

func buildCall(name, body string) models.ToolCall {
	args := map[string]any{}
	for _, p := range parameterRe.FindAllStringSubmatch(body, -1) {
		args[p[1]] = coerceParameter(strings.TrimSpace(p[2]))
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = json.RawMessage(`{}`)
	}
	return models.ToolCall{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: encoded,
	}
}

// coerceParameter keeps numeric and boolean parameter values typed so the
// executor's schema validation sees what the model meant.
func coerceParameter(value string) any {
	var decoded any
	if err := json.Unmarshal([]byte(value), &decoded); err == nil {
		switch decoded.(type) {
		case float64, bool, map[string]any, []any, nil:
			return decoded
		}
	}
	return value
}

// parseJSONToolCalls accepts a response that is (or embeds exactly) a
// JSON array of {"name": ..., "arguments": {...}} objects.
func parseJSONToolCalls(content string) ([]models.ToolCall, string, bool) {
	trimmed := strings.TrimSpace(content)
	start := strings.IndexByte(trimmed, '[')
	end := strings.LastIndexByte(trimmed, ']')
	if start < 0 || end <= start {
		return nil, content, false
	}
	candidate := trimmed[start : end+1]

	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(candidate), &raw); err != nil || len(raw) == 0 {
		return nil, content, false
	}
	var calls []models.ToolCall
	for _, item := range raw {
		if item.Name == "" {
			return nil, content, false
		}
		args := item.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, models.ToolCall{
			ID:        uuid.NewString(),
			Name:      item.Name,
			Arguments: args,
		})
	}
	rest := strings.TrimSpace(trimmed[:start] + trimmed[end+1:])
	return calls, rest, true
}
