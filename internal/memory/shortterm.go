package memory

import (
	"strings"
	"sync"

	"github.com/edgemind/edgemind/pkg/models"
)

// ShortTermConfig bounds the conversation buffer.
type ShortTermConfig struct {
	MaxMessages int
	MaxTokens   int
}

// DefaultShortTermConfig returns the short-term defaults.
func DefaultShortTermConfig() ShortTermConfig {
	return ShortTermConfig{MaxMessages: 100, MaxTokens: 4000}
}

// ShortTerm is the bounded per-session conversation buffer. Whichever of
// the message and token limits is tighter wins; eviction drops oldest
// first. All methods are safe for concurrent use, and the lock is never
// held across a call out of this package.
type ShortTerm struct {
	mu       sync.RWMutex
	config   ShortTermConfig
	messages []models.AgentMessage
	tokens   int
}

// NewShortTerm creates an empty buffer.
func NewShortTerm(config ShortTermConfig) *ShortTerm {
	defaults := DefaultShortTermConfig()
	if config.MaxMessages <= 0 {
		config.MaxMessages = defaults.MaxMessages
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	return &ShortTerm{config: config}
}

// EstimateTokens approximates a message's token cost as character count
// over four, summed over content and thinking.
func EstimateTokens(msg models.AgentMessage) int {
	n := len(msg.Content) + len(msg.Thinking)
	for _, tc := range msg.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments) + len(tc.Result)
	}
	return n / 4
}

// Add appends a message, evicting oldest entries until both bounds hold.
func (s *ShortTerm) Add(msg models.AgentMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.tokens += EstimateTokens(msg)
	for len(s.messages) > s.config.MaxMessages || (s.tokens > s.config.MaxTokens && len(s.messages) > 1) {
		s.tokens -= EstimateTokens(s.messages[0])
		s.messages = s.messages[1:]
	}
}

// List returns a copy of the buffered messages, oldest first.
func (s *ShortTerm) List() []models.AgentMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AgentMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// LastN returns up to n of the newest messages, oldest first.
func (s *ShortTerm) LastN(n int) []models.AgentMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.messages) {
		n = len(s.messages)
	}
	out := make([]models.AgentMessage, n)
	copy(out, s.messages[len(s.messages)-n:])
	return out
}

// Len returns the buffered message count.
func (s *ShortTerm) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// TokenCount returns the approximate token total.
func (s *ShortTerm) TokenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Clear empties the buffer.
func (s *ShortTerm) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.tokens = 0
}

// FormatPrompt renders the buffer as a role-prefixed transcript.
func (s *ShortTerm) FormatPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b strings.Builder
	for _, msg := range s.messages {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ReplaceContent rewrites the content of the message at index, used to
// summarise stale tool results in place.
func (s *ShortTerm) ReplaceContent(index int, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.messages) {
		return
	}
	s.tokens -= EstimateTokens(s.messages[index])
	s.messages[index].Content = content
	s.tokens += EstimateTokens(s.messages[index])
}
