package memory

import (
	"context"
	"strings"

	"github.com/edgemind/edgemind/pkg/models"
)

// QueryResult combines hits from all three tiers.
type QueryResult struct {
	ShortTerm []models.AgentMessage    `json:"short_term"`
	MidTerm   []ScoredEntry            `json:"mid_term"`
	LongTerm  []*models.KnowledgeEntry `json:"long_term"`
}

// Tiered coordinates the three memory tiers. Short-term buffers are
// per-session and owned by their agents; the mid and long tiers are
// shared. Consolidation moves exchanges from a short-term buffer into
// the mid-term tier on demand, never automatically.
type Tiered struct {
	mid    *MidTerm
	long   *LongTerm
	scorer *ImportanceScorer
	comp   *Compressor

	// vector, when set, persists consolidated exchanges into the
	// vector-store Manager and folds its hits into QueryAll.
	vector *Manager
}

// NewTiered wires the shared tiers together.
func NewTiered(mid *MidTerm, long *LongTerm, scorer *ImportanceScorer, comp *Compressor) *Tiered {
	if scorer == nil {
		scorer = NewImportanceScorer(DefaultImportanceConfig())
	}
	if mid == nil {
		mid = NewMidTerm(DefaultMidTermConfig(), nil, scorer)
	}
	if long == nil {
		long = NewLongTerm()
	}
	if comp == nil {
		comp = NewCompressor(DefaultCompressorConfig())
	}
	return &Tiered{mid: mid, long: long, scorer: scorer, comp: comp}
}

// SetVectorStore installs a persistent vector store behind the mid-term
// tier.
func (t *Tiered) SetVectorStore(manager *Manager) {
	t.vector = manager
}

// MidTerm returns the shared mid-term tier.
func (t *Tiered) MidTerm() *MidTerm { return t.mid }

// LongTerm returns the shared knowledge store.
func (t *Tiered) LongTerm() *LongTerm { return t.long }

// Scorer returns the shared importance scorer.
func (t *Tiered) Scorer() *ImportanceScorer { return t.scorer }

// Compressor returns the shared compressor.
func (t *Tiered) Compressor() *Compressor { return t.comp }

// Consolidate walks (user, assistant) pairs in the session's short-term
// buffer and inserts them into mid-term. It reads short-term before
// writing mid-term, never the reverse, so the tier locks cannot cycle.
func (t *Tiered) Consolidate(ctx context.Context, sessionID string, short *ShortTerm) (int, error) {
	messages := short.List()
	inserted := 0
	var persisted []*models.MemoryEntry
	for i := 0; i < len(messages)-1; i++ {
		if messages[i].Role != models.RoleUser || messages[i+1].Role != models.RoleAssistant {
			continue
		}
		id, err := t.mid.AddExchange(ctx, sessionID, messages[i].Content, messages[i+1].Content, models.MemorySourceAI)
		if err != nil {
			return inserted, err
		}
		inserted++
		if t.vector != nil {
			persisted = append(persisted, &models.MemoryEntry{
				ID:        id,
				SessionID: sessionID,
				Content:   "user: " + messages[i].Content + "\nassistant: " + messages[i+1].Content,
				Metadata:  models.MemoryMetadata{Source: "message"},
			})
		}
		i++
	}
	if t.vector != nil && len(persisted) > 0 {
		if err := t.vector.Index(ctx, persisted); err != nil {
			// In-memory state stays authoritative; surface on the next write.
			return inserted, err
		}
	}
	return inserted, nil
}

// QueryAll returns short-term keyword matches, mid-term top-k via the
// configured search method, and long-term keyword matches.
func (t *Tiered) QueryAll(ctx context.Context, sessionID, query string, short *ShortTerm, limit int) (*QueryResult, error) {
	if limit <= 0 {
		limit = 5
	}
	result := &QueryResult{}

	if short != nil {
		terms := bm25Tokenize(query)
		for _, msg := range short.List() {
			lower := strings.ToLower(msg.Content)
			for _, term := range terms {
				if strings.Contains(lower, term) {
					result.ShortTerm = append(result.ShortTerm, msg)
					break
				}
			}
		}
		if len(result.ShortTerm) > limit {
			result.ShortTerm = result.ShortTerm[len(result.ShortTerm)-limit:]
		}
	}

	mid, err := t.mid.Search(ctx, sessionID, query, "", limit)
	if err != nil {
		return nil, err
	}
	result.MidTerm = mid

	if t.vector != nil && len(result.MidTerm) < limit {
		resp, err := t.vector.Search(ctx, &models.SearchRequest{
			Query:   query,
			Scope:   models.ScopeSession,
			ScopeID: sessionID,
			Limit:   limit - len(result.MidTerm),
		})
		if err == nil && resp != nil {
			seen := make(map[string]struct{}, len(result.MidTerm))
			for _, hit := range result.MidTerm {
				seen[hit.Entry.ID] = struct{}{}
			}
			for _, hit := range resp.Results {
				if _, dup := seen[hit.Entry.ID]; dup {
					continue
				}
				result.MidTerm = append(result.MidTerm, ScoredEntry{Entry: hit.Entry, Score: float64(hit.Score)})
			}
		}
	}

	result.LongTerm = t.long.Search(query, limit)
	return result, nil
}
