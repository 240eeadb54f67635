package agent

import (
	"context"
	"encoding/json"
	"strings"
)

// FallbackRule maps user-message keywords onto a tool invocation and/or a
// canned response, used when no LLM is configured or the LLM fails.
type FallbackRule struct {
	Keywords         []string
	ToolName         string
	ToolArguments    json.RawMessage
	ResponseTemplate string
}

// Matches reports whether any keyword occurs in the message.
func (r FallbackRule) Matches(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range r.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// DefaultFallbackRules returns the built-in keyword→tool mappings.
func DefaultFallbackRules() []FallbackRule {
	return []FallbackRule{
		{
			Keywords: []string{"list devices", "my devices", "show devices"},
			ToolName: "list_devices",
		},
		{
			Keywords: []string{"status", "online", "offline"},
			ToolName: "list_devices",
		},
		{
			Keywords:         []string{"help", "what can you do"},
			ResponseTemplate: "I can list your devices, read their metrics, and send them commands. Ask me about a device by name.",
		},
	}
}

// runFallback evaluates the rules in order; the first match wins. The
// matched rule's tool (if any) runs through the executor, and the reply
// is the tool result or the rule's template. With no match, a generic
// reply is returned.
func (a *Agent) runFallback(ctx context.Context, message string) (string, *executedCall) {
	for _, rule := range a.fallbackRules {
		if !rule.Matches(message) {
			continue
		}
		if rule.ToolName == "" || a.executor == nil {
			if rule.ResponseTemplate != "" {
				return rule.ResponseTemplate, nil
			}
			continue
		}
		args := rule.ToolArguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		result, success := a.executor.ExecuteString(ctx, rule.ToolName, args)
		call := &executedCall{name: rule.ToolName, arguments: args, result: result, success: success}
		if rule.ResponseTemplate != "" {
			return rule.ResponseTemplate, call
		}
		return result, call
	}
	return "I could not reach the language model, and no fallback rule matched your request.", nil
}
