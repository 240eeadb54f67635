package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgemind/edgemind/internal/memory/embeddings"
	"github.com/edgemind/edgemind/pkg/models"
)

// SearchMethod selects how the mid-term tier ranks entries.
type SearchMethod string

const (
	SearchSemantic SearchMethod = "semantic"
	SearchBM25     SearchMethod = "bm25"
	SearchHybrid   SearchMethod = "hybrid"
)

// MidTermConfig bounds and tunes the mid-term tier.
type MidTermConfig struct {
	MaxEntries int
	Method     SearchMethod
	// HybridAlpha weights the semantic score; (1−alpha… ) see Beta.
	Alpha float64
	// Beta weights the BM25 score.
	Beta float64
}

// DefaultMidTermConfig returns the hybrid defaults (α=0.7, β=0.3).
func DefaultMidTermConfig() MidTermConfig {
	return MidTermConfig{
		MaxEntries: 1000,
		Method:     SearchHybrid,
		Alpha:      0.7,
		Beta:       0.3,
	}
}

// midEntry couples a stored exchange with its scoring state.
type midEntry struct {
	entry     *models.MemoryEntry
	item      *models.MemoryItem
	embedding []float32
}

// MidTerm stores past (user_input, assistant_response) pairs keyed by
// session and retrieves them by semantic, lexical, or hybrid score.
// Over-capacity insertion evicts the lowest-heat entry.
type MidTerm struct {
	mu       sync.RWMutex
	config   MidTermConfig
	embedder embeddings.Provider
	scorer   *ImportanceScorer

	entries map[string]*midEntry
	bm25    *bm25Index
}

// NewMidTerm creates the tier. A nil embedder falls back to the hashing
// embedder.
func NewMidTerm(config MidTermConfig, embedder embeddings.Provider, scorer *ImportanceScorer) *MidTerm {
	defaults := DefaultMidTermConfig()
	if config.MaxEntries <= 0 {
		config.MaxEntries = defaults.MaxEntries
	}
	if config.Method == "" {
		config.Method = defaults.Method
	}
	if config.Alpha <= 0 {
		config.Alpha = defaults.Alpha
	}
	if config.Beta <= 0 {
		config.Beta = defaults.Beta
	}
	if embedder == nil {
		embedder = embeddings.NewHashing(0)
	}
	if scorer == nil {
		scorer = NewImportanceScorer(DefaultImportanceConfig())
	}
	return &MidTerm{
		config:   config,
		embedder: embedder,
		scorer:   scorer,
		entries:  make(map[string]*midEntry),
		bm25:     newBM25Index(),
	}
}

// AddExchange stores one conversation pair for a session.
func (m *MidTerm) AddExchange(ctx context.Context, sessionID, userInput, assistantResponse string, source models.MemorySource) (string, error) {
	content := fmt.Sprintf("user: %s\nassistant: %s", userInput, assistantResponse)
	embedding, err := m.embedder.Embed(ctx, content)
	if err != nil {
		return "", err
	}

	now := time.Now()
	id := uuid.NewString()
	entry := &midEntry{
		entry: &models.MemoryEntry{
			ID:        id,
			SessionID: sessionID,
			Content:   content,
			Metadata:  models.MemoryMetadata{Source: "message"},
			Embedding: embedding,
			CreatedAt: now,
			UpdatedAt: now,
		},
		item: &models.MemoryItem{
			ID:         id,
			Content:    content,
			CreatedAt:  now,
			ModifiedAt: now,
			Source:     source,
		},
		embedding: embedding,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.config.MaxEntries {
		m.evictColdestLocked(now)
	}
	m.entries[id] = entry
	m.bm25.Add(id, content)
	return id, nil
}

// evictColdestLocked removes the lowest-heat entry.
func (m *MidTerm) evictColdestLocked(now time.Time) {
	var coldest string
	coldestHeat := math.Inf(1)
	for id, e := range m.entries {
		heat := m.scorer.Heat(e.item, now).Heat
		if heat < coldestHeat {
			coldestHeat = heat
			coldest = id
		}
	}
	if coldest != "" {
		delete(m.entries, coldest)
		m.bm25.Remove(coldest)
		m.scorer.Invalidate(coldest)
	}
}

// ScoredEntry is a retrieval hit with its combined score.
type ScoredEntry struct {
	Entry *models.MemoryEntry
	Score float64
}

// Search ranks stored exchanges against the query using the configured
// method (or override, when non-empty). A sessionID filters to one
// session; empty searches all. Hits record an access on the backing item.
func (m *MidTerm) Search(ctx context.Context, sessionID, query string, method SearchMethod, limit int) ([]ScoredEntry, error) {
	if method == "" {
		method = m.config.Method
	}
	if limit <= 0 {
		limit = 10
	}

	var queryVec []float32
	if method != SearchBM25 {
		vec, err := m.embedder.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		queryVec = vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// BM25 scores need normalising into [0,1] before mixing with cosine.
	rawBM25 := make(map[string]float64)
	maxBM25 := 0.0
	if method != SearchSemantic {
		for id := range m.entries {
			score := m.bm25.Score(query, id)
			rawBM25[id] = score
			if score > maxBM25 {
				maxBM25 = score
			}
		}
	}

	now := time.Now()
	var out []ScoredEntry
	for id, e := range m.entries {
		if sessionID != "" && e.entry.SessionID != sessionID {
			continue
		}
		var score float64
		switch method {
		case SearchSemantic:
			score = float64(cosine32(queryVec, e.embedding))
		case SearchBM25:
			if maxBM25 > 0 {
				score = rawBM25[id] / maxBM25
			}
		default: // hybrid
			semantic := float64(cosine32(queryVec, e.embedding))
			lexical := 0.0
			if maxBM25 > 0 {
				lexical = rawBM25[id] / maxBM25
			}
			score = m.config.Alpha*semantic + m.config.Beta*lexical
		}
		if score <= 0 {
			continue
		}
		out = append(out, ScoredEntry{Entry: e.entry, Score: score})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}

	for _, hit := range out {
		if e, ok := m.entries[hit.Entry.ID]; ok {
			e.item.Accesses = append(e.item.Accesses, models.MemoryAccess{Timestamp: now, Kind: models.AccessRead})
			e.item.ModifiedAt = now
			m.scorer.Invalidate(e.item.ID)
		}
	}
	return out, nil
}

// Len reports the stored entry count.
func (m *MidTerm) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Item returns the scoring item behind an entry, for reaction and boost
// updates.
func (m *MidTerm) Item(id string) (*models.MemoryItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	return e.item, true
}

// AddReaction attaches feedback to a stored entry.
func (m *MidTerm) AddReaction(id string, kind models.ReactionKind, intensity float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false
	}
	now := time.Now()
	e.item.Reactions = append(e.item.Reactions, models.MemoryReaction{
		Kind:      kind,
		Intensity: intensity,
		Timestamp: now,
	})
	e.item.ModifiedAt = now
	m.scorer.Invalidate(id)
	return true
}

func cosine32(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
