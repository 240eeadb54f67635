package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/edgemind/edgemind/pkg/models"
)

// CompressionMethod selects how scored message groups collapse into one
// block.
type CompressionMethod string

const (
	CompressConcatenate   CompressionMethod = "concatenate"
	CompressChronological CompressionMethod = "chronological"
	CompressTopicBased    CompressionMethod = "topic_based"
	CompressHierarchical  CompressionMethod = "hierarchical"
	// CompressSemantic currently falls back to topic-based grouping.
	CompressSemantic CompressionMethod = "semantic"
)

// ScoredMessage is one input message with its retention weight.
type ScoredMessage struct {
	Message models.AgentMessage
	Score   float64
	Topic   string
}

// CompressorConfig tunes compression.
type CompressorConfig struct {
	Method CompressionMethod
	// Ratio is the target output/input size ratio in (0,1].
	Ratio float64
	// HierarchyLevels is how many merge levels the hierarchical method
	// builds.
	HierarchyLevels int
}

// DefaultCompressorConfig returns hierarchical compression at 0.3.
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		Method:          CompressHierarchical,
		Ratio:           0.3,
		HierarchyLevels: 2,
	}
}

// CompressionStats reports what a compression pass did.
type CompressionStats struct {
	InputMessages int     `json:"input_messages"`
	InputChars    int     `json:"input_chars"`
	OutputChars   int     `json:"output_chars"`
	Ratio         float64 `json:"ratio"`
	Method        CompressionMethod `json:"method"`
}

// CompressionResult is the compressed block plus statistics.
type CompressionResult struct {
	Content string
	Stats   CompressionStats
}

// Compressor folds ordered groups of scored messages into one block.
type Compressor struct {
	config CompressorConfig
}

// NewCompressor creates a compressor.
func NewCompressor(config CompressorConfig) *Compressor {
	defaults := DefaultCompressorConfig()
	if config.Method == "" {
		config.Method = defaults.Method
	}
	if config.Ratio <= 0 || config.Ratio > 1 {
		config.Ratio = defaults.Ratio
	}
	if config.HierarchyLevels <= 0 {
		config.HierarchyLevels = defaults.HierarchyLevels
	}
	return &Compressor{config: config}
}

// Compress folds the groups with the configured method.
func (c *Compressor) Compress(groups [][]ScoredMessage) CompressionResult {
	return c.compressWithRatio(groups, c.config.Ratio)
}

// CompressToLimit recalculates the ratio needed to land under maxTokens
// (≈4 chars per token) and re-invokes.
func (c *Compressor) CompressToLimit(groups [][]ScoredMessage, maxTokens int) CompressionResult {
	inputChars := 0
	count := 0
	for _, group := range groups {
		for _, m := range group {
			inputChars += len(m.Message.Content)
			count++
		}
	}
	if inputChars == 0 || maxTokens <= 0 {
		return c.Compress(groups)
	}
	required := float64(maxTokens*4) / float64(inputChars)
	if required > 1 {
		required = 1
	}
	if required < 0.01 {
		required = 0.01
	}
	return c.compressWithRatio(groups, required)
}

func (c *Compressor) compressWithRatio(groups [][]ScoredMessage, ratio float64) CompressionResult {
	var flat []ScoredMessage
	for _, group := range groups {
		flat = append(flat, group...)
	}
	inputChars := 0
	for _, m := range flat {
		inputChars += len(m.Message.Content)
	}

	var content string
	switch c.config.Method {
	case CompressConcatenate:
		content = c.concatenate(flat, ratio)
	case CompressChronological:
		content = c.chronological(flat, ratio)
	case CompressTopicBased, CompressSemantic:
		content = c.topicBased(flat, ratio)
	default:
		content = c.hierarchical(flat, ratio)
	}

	outRatio := 1.0
	if inputChars > 0 {
		outRatio = float64(len(content)) / float64(inputChars)
	}
	return CompressionResult{
		Content: content,
		Stats: CompressionStats{
			InputMessages: len(flat),
			InputChars:    inputChars,
			OutputChars:   len(content),
			Ratio:         outRatio,
			Method:        c.config.Method,
		},
	}
}

// concatenate keeps the highest-scored messages until the budget fills.
func (c *Compressor) concatenate(messages []ScoredMessage, ratio float64) string {
	budget := c.charBudget(messages, ratio)
	sorted := make([]ScoredMessage, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var b strings.Builder
	for _, m := range sorted {
		if b.Len()+len(m.Message.Content) > budget {
			continue
		}
		b.WriteString(m.Message.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// chronological walks in order, shortening each message to fit.
func (c *Compressor) chronological(messages []ScoredMessage, ratio float64) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Message.Role))
		b.WriteString(": ")
		b.WriteString(truncateToRatio(m.Message.Content, ratio))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// topicBased groups by topic and emits a per-topic digest.
func (c *Compressor) topicBased(messages []ScoredMessage, ratio float64) string {
	topics := groupByTopic(messages)
	var names []string
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "## %s\n", name)
		for _, m := range topics[name] {
			b.WriteString("- ")
			b.WriteString(truncateToRatio(m.Message.Content, ratio))
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// hierarchical builds per-topic level-0 summaries, then iteratively
// merges them level by level.
func (c *Compressor) hierarchical(messages []ScoredMessage, ratio float64) string {
	topics := groupByTopic(messages)
	var names []string
	for name := range topics {
		names = append(names, name)
	}
	sort.Strings(names)

	// Level 0: one digest per topic.
	level := make([]string, 0, len(names))
	for _, name := range names {
		var b strings.Builder
		fmt.Fprintf(&b, "%s: ", name)
		for i, m := range topics[name] {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(firstSentence(m.Message.Content))
		}
		level = append(level, b.String())
	}

	// Merge pairwise until the level budget is reached.
	for depth := 1; depth < c.config.HierarchyLevels && len(level) > 1; depth++ {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, truncateToRatio(level[i]+" | "+level[i+1], ratio))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}
	return strings.TrimSpace(strings.Join(level, "\n"))
}

func (c *Compressor) charBudget(messages []ScoredMessage, ratio float64) int {
	total := 0
	for _, m := range messages {
		total += len(m.Message.Content)
	}
	budget := int(float64(total) * ratio)
	if budget < 1 {
		budget = 1
	}
	return budget
}

func groupByTopic(messages []ScoredMessage) map[string][]ScoredMessage {
	out := make(map[string][]ScoredMessage)
	for _, m := range messages {
		topic := m.Topic
		if topic == "" {
			topic = "general"
		}
		out[topic] = append(out[topic], m)
	}
	return out
}

func truncateToRatio(content string, ratio float64) string {
	keep := int(float64(len(content)) * ratio)
	if keep < 40 {
		keep = 40
	}
	if keep >= len(content) {
		return content
	}
	return content[:keep] + "…"
}

func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	for _, sep := range []string{". ", "!\n", "?\n", "\n"} {
		if idx := strings.Index(content, sep); idx > 0 {
			return content[:idx+1]
		}
	}
	if len(content) > 120 {
		return content[:120] + "…"
	}
	return content
}
