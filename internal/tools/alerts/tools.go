// Package alerts exposes the message manager to the agent.
package alerts

import (
	"context"
	"encoding/json"

	"github.com/edgemind/edgemind/internal/messages"
	"github.com/edgemind/edgemind/internal/tools"
	"github.com/edgemind/edgemind/pkg/models"
)

// CreateAlertTool raises an alert through the message manager.
type CreateAlertTool struct {
	manager *messages.Manager
}

func NewCreateAlertTool(manager *messages.Manager) *CreateAlertTool {
	return &CreateAlertTool{manager: manager}
}

func (t *CreateAlertTool) Name() string { return "create_alert" }

func (t *CreateAlertTool) Description() string {
	return "Create an alert visible to operators. Severity is info, warning, critical, or emergency."
}

func (t *CreateAlertTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": { "type": "string" },
    "message": { "type": "string" },
    "severity": { "type": "string", "enum": ["info", "warning", "critical", "emergency"] },
    "category": { "type": "string" }
  },
  "required": ["title", "message"]
}`)
}

func (t *CreateAlertTool) Execute(ctx context.Context, args json.RawMessage) tools.Output {
	var in struct {
		Title    string `json:"title"`
		Message  string `json:"message"`
		Severity string `json:"severity"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.Fail(err.Error())
	}
	msg, err := t.manager.Create(ctx, messages.CreateRequest{
		Category:   in.Category,
		Severity:   models.Severity(in.Severity),
		Title:      in.Title,
		Message:    in.Message,
		Source:     "agent",
		SourceType: "agent",
	})
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(map[string]string{"id": msg.ID})
}

// ListAlertsTool lists stored messages with filters.
type ListAlertsTool struct {
	manager *messages.Manager
}

func NewListAlertsTool(manager *messages.Manager) *ListAlertsTool {
	return &ListAlertsTool{manager: manager}
}

func (t *ListAlertsTool) Name() string { return "list_alerts" }

func (t *ListAlertsTool) Description() string {
	return "List stored alerts and messages, newest first, optionally filtered by status or severity."
}

func (t *ListAlertsTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "status": { "type": "string", "enum": ["active", "acknowledged", "resolved", "archived"] },
    "severity": { "type": "string", "enum": ["info", "warning", "critical", "emergency"] },
    "limit": { "type": "integer", "minimum": 1, "maximum": 100 }
  }
}`)
}

func (t *ListAlertsTool) Execute(ctx context.Context, args json.RawMessage) tools.Output {
	var in struct {
		Status   string `json:"status"`
		Severity string `json:"severity"`
		Limit    int    `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Fail(err.Error())
		}
	}
	list, err := t.manager.List(ctx, messages.Filter{
		Status:   models.MessageStatus(in.Status),
		Severity: models.Severity(in.Severity),
		Limit:    in.Limit,
	})
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(list)
}

// Register adds the alert tools to the registry.
func Register(registry *tools.Registry, manager *messages.Manager) {
	registry.Register(NewCreateAlertTool(manager))
	registry.Register(NewListAlertsTool(manager))
}
