// Package memorytool exposes tiered memory to the agent: cross-tier
// search and knowledge-base writes.
package memorytool

import (
	"context"
	"encoding/json"

	"github.com/edgemind/edgemind/internal/memory"
	"github.com/edgemind/edgemind/internal/tools"
	"github.com/edgemind/edgemind/pkg/models"
)

// SearchTool queries all three memory tiers.
type SearchTool struct {
	tiered *memory.Tiered
}

func NewSearchTool(tiered *memory.Tiered) *SearchTool {
	return &SearchTool{tiered: tiered}
}

func (t *SearchTool) Name() string { return "search_memory" }

func (t *SearchTool) Description() string {
	return "Search past conversations and the knowledge base. session_id narrows mid-term hits to one session."
}

func (t *SearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": { "type": "string" },
    "session_id": { "type": "string" },
    "limit": { "type": "integer", "minimum": 1, "maximum": 50 }
  },
  "required": ["query"]
}`)
}

func (t *SearchTool) Execute(ctx context.Context, args json.RawMessage) tools.Output {
	var in struct {
		Query     string `json:"query"`
		SessionID string `json:"session_id"`
		Limit     int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.Fail(err.Error())
	}
	result, err := t.tiered.QueryAll(ctx, in.SessionID, in.Query, nil, in.Limit)
	if err != nil {
		return tools.Fail(err.Error())
	}
	return tools.OK(result)
}

// RememberTool writes a knowledge entry.
type RememberTool struct {
	tiered *memory.Tiered
}

func NewRememberTool(tiered *memory.Tiered) *RememberTool {
	return &RememberTool{tiered: tiered}
}

func (t *RememberTool) Name() string { return "remember" }

func (t *RememberTool) Description() string {
	return "Store a durable knowledge entry (manuals, best practices, troubleshooting notes) for later retrieval."
}

func (t *RememberTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "title": { "type": "string" },
    "content": { "type": "string" },
    "category": { "type": "string", "enum": ["device_manual", "best_practice", "troubleshooting_case", "general"] },
    "tags": { "type": "array", "items": { "type": "string" } },
    "device_ids": { "type": "array", "items": { "type": "string" } }
  },
  "required": ["title", "content"]
}`)
}

func (t *RememberTool) Execute(_ context.Context, args json.RawMessage) tools.Output {
	var in struct {
		Title     string   `json:"title"`
		Content   string   `json:"content"`
		Category  string   `json:"category"`
		Tags      []string `json:"tags"`
		DeviceIDs []string `json:"device_ids"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return tools.Fail(err.Error())
	}
	category := models.KnowledgeCategory(in.Category)
	if category == "" {
		category = models.KnowledgeGeneral
	}
	id := t.tiered.LongTerm().Add(&models.KnowledgeEntry{
		Title:               in.Title,
		Content:             in.Content,
		Category:            category,
		Tags:                in.Tags,
		AssociatedDeviceIDs: in.DeviceIDs,
	})
	return tools.OK(map[string]string{"id": id})
}

// Register adds the memory tools to the registry.
func Register(registry *tools.Registry, tiered *memory.Tiered) {
	registry.Register(NewSearchTool(tiered))
	registry.Register(NewRememberTool(tiered))
}
