package models

import (
	"time"
)

// MemoryEntry represents a memory item stored in the vector database for
// semantic search. Mid-term memory stores one entry per
// (user_input, assistant_response) pair under its session id.
type MemoryEntry struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`

	Content  string         `json:"content"`
	Metadata MemoryMetadata `json:"metadata"`

	Embedding []float32 `json:"-"` // Not serialized to JSON
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryMetadata contains additional information about a memory entry.
type MemoryMetadata struct {
	Source string         `json:"source"` // "message", "document", "note"
	Role   string         `json:"role"`   // "user", "assistant"
	Tags   []string       `json:"tags"`
	Extra  map[string]any `json:"extra"`
}

// MemoryScope defines the scope for memory search/indexing.
type MemoryScope string

const (
	// ScopeSession limits memory to the current session.
	ScopeSession MemoryScope = "session"
	// ScopeDevice limits memory to entries associated with one device.
	ScopeDevice MemoryScope = "device"
	// ScopeGlobal searches all memories.
	ScopeGlobal MemoryScope = "global"
)

// SearchRequest defines parameters for semantic memory search.
type SearchRequest struct {
	Query     string         `json:"query"`
	Scope     MemoryScope    `json:"scope"`
	ScopeID   string         `json:"scope_id"`
	Limit     int            `json:"limit"`
	Threshold float32        `json:"threshold"` // Min similarity (0-1)
	Filters   map[string]any `json:"filters"`
}

// SearchResult represents a single search result.
type SearchResult struct {
	Entry      *MemoryEntry `json:"entry"`
	Score      float32      `json:"score"`      // Similarity score (0-1)
	Highlights []string     `json:"highlights"` // Matched snippets
}

// SearchResponse contains the results of a memory search.
type SearchResponse struct {
	Results    []*SearchResult `json:"results"`
	TotalCount int             `json:"total_count"`
	QueryTime  time.Duration   `json:"query_time"`
}

// MemorySource identifies who produced a memory item; it feeds the
// importance scorer's source weight.
type MemorySource string

const (
	MemorySourceSystem MemorySource = "system"
	MemorySourceAI     MemorySource = "ai"
	MemorySourceUser   MemorySource = "user"
	MemorySourceExpert MemorySource = "expert"
)

// AccessKind categorizes a recorded access to a memory item.
type AccessKind string

const (
	AccessRead  AccessKind = "read"
	AccessWrite AccessKind = "write"
	AccessCite  AccessKind = "cite"
)

// MemoryAccess is one recorded access to a memory item.
type MemoryAccess struct {
	Timestamp time.Time  `json:"timestamp"`
	Kind      AccessKind `json:"kind"`
}

// ReactionKind categorizes user feedback attached to a memory item.
type ReactionKind string

const (
	ReactionNegative     ReactionKind = "negative"
	ReactionNeutral      ReactionKind = "neutral"
	ReactionPositive     ReactionKind = "positive"
	ReactionVeryPositive ReactionKind = "very_positive"
)

// MemoryReaction is one piece of feedback on a memory item. Intensity is in
// [0,1] and scales the reaction's contribution to the emotional score.
type MemoryReaction struct {
	Kind      ReactionKind `json:"kind"`
	Intensity float64      `json:"intensity"`
	Timestamp time.Time    `json:"timestamp"`
}

// Temperature buckets a memory item's heat score.
type Temperature string

const (
	TemperatureCritical Temperature = "critical"
	TemperatureHot      Temperature = "hot"
	TemperatureWarm     Temperature = "warm"
	TemperatureCold     Temperature = "cold"
)

// MemoryItem is the scored unit of tiered memory. Heat is derived from the
// item's recency, access frequency, source, reactions, and cross references;
// the cached value is invalidated on every mutation.
type MemoryItem struct {
	ID              string           `json:"id"`
	Content         string           `json:"content"`
	CreatedAt       time.Time        `json:"created_at"`
	ModifiedAt      time.Time        `json:"modified_at"`
	Accesses        []MemoryAccess   `json:"accesses,omitempty"`
	Source          MemorySource     `json:"source"`
	Reactions       []MemoryReaction `json:"reactions,omitempty"`
	CrossReferences int              `json:"cross_references"`
	ManualBoost     float64          `json:"manual_boost"`
}

// KnowledgeCategory classifies a long-term knowledge entry.
type KnowledgeCategory string

const (
	KnowledgeDeviceManual        KnowledgeCategory = "device_manual"
	KnowledgeBestPractice        KnowledgeCategory = "best_practice"
	KnowledgeTroubleshootingCase KnowledgeCategory = "troubleshooting_case"
	KnowledgeGeneral             KnowledgeCategory = "general"
)

// KnowledgeEntry is one long-term knowledge item, keyword-searchable over
// title, content, and tags, and indexed by category and device id.
type KnowledgeEntry struct {
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	Content             string            `json:"content"`
	Category            KnowledgeCategory `json:"category"`
	Tags                []string          `json:"tags,omitempty"`
	AssociatedDeviceIDs []string          `json:"associated_device_ids,omitempty"`
	AccessCount         int               `json:"access_count"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`

	// Troubleshooting-case extras; empty for other categories.
	Symptoms  []string           `json:"symptoms,omitempty"`
	Solutions []SolutionStep     `json:"solutions,omitempty"`
}

// SolutionStep is one ordered step inside a troubleshooting case.
type SolutionStep struct {
	StepNo      int    `json:"step_no"`
	Description string `json:"description"`
}
