package memory

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/edgemind/edgemind/pkg/models"
)

// ImportanceConfig weights the heat factors. The defaults sum to 1.
type ImportanceConfig struct {
	RecencyWeight   float64
	FrequencyWeight float64
	RelevanceWeight float64
	SourceWeight    float64
	EmotionalWeight float64
	CrossRefWeight  float64
	// DecayHalfLife is the recency half-life.
	DecayHalfLife time.Duration
	// MinAccessForFrequency is the access count below which the
	// frequency factor stays zero.
	MinAccessForFrequency int
}

// DefaultImportanceConfig returns the standard weights.
func DefaultImportanceConfig() ImportanceConfig {
	return ImportanceConfig{
		RecencyWeight:         0.25,
		FrequencyWeight:       0.20,
		RelevanceWeight:       0.25,
		SourceWeight:          0.10,
		EmotionalWeight:       0.10,
		CrossRefWeight:        0.10,
		DecayHalfLife:         time.Hour,
		MinAccessForFrequency: 2,
	}
}

// FactorScores breaks a heat score into its components.
type FactorScores struct {
	Recency     float64 `json:"recency"`
	Frequency   float64 `json:"frequency"`
	Relevance   float64 `json:"relevance"`
	Source      float64 `json:"source"`
	Emotional   float64 `json:"emotional"`
	CrossRef    float64 `json:"cross_ref"`
	ManualBoost float64 `json:"manual_boost"`
}

// HeatScore is a scored memory item's importance.
type HeatScore struct {
	Heat        float64            `json:"heat"`
	Temperature models.Temperature `json:"temperature"`
	Factors     FactorScores       `json:"factors"`
}

// TemperatureOf buckets a heat value.
func TemperatureOf(heat float64) models.Temperature {
	switch {
	case heat >= 0.85:
		return models.TemperatureCritical
	case heat >= 0.7:
		return models.TemperatureHot
	case heat >= 0.4:
		return models.TemperatureWarm
	default:
		return models.TemperatureCold
	}
}

// sourceTrust maps a memory source onto its trust score.
func sourceTrust(source models.MemorySource) float64 {
	switch source {
	case models.MemorySourceSystem:
		return 0.3
	case models.MemorySourceAI:
		return 0.5
	case models.MemorySourceUser:
		return 0.8
	case models.MemorySourceExpert:
		return 1.0
	default:
		return 0.5
	}
}

// reactionImpact maps a reaction kind onto its impact score.
func reactionImpact(kind models.ReactionKind) float64 {
	switch kind {
	case models.ReactionNegative:
		return 0.0
	case models.ReactionNeutral:
		return 0.5
	case models.ReactionPositive:
		return 0.8
	case models.ReactionVeryPositive:
		return 1.0
	default:
		return 0.5
	}
}

// ImportanceScorer derives heat scores for memory items, caching the
// result per item until the item mutates.
type ImportanceScorer struct {
	config ImportanceConfig

	mu    sync.Mutex
	cache map[string]cachedHeat
}

type cachedHeat struct {
	modifiedAt time.Time
	score      HeatScore
}

// NewImportanceScorer creates a scorer.
func NewImportanceScorer(config ImportanceConfig) *ImportanceScorer {
	if config.DecayHalfLife <= 0 {
		config.DecayHalfLife = DefaultImportanceConfig().DecayHalfLife
	}
	if config.MinAccessForFrequency <= 0 {
		config.MinAccessForFrequency = 2
	}
	return &ImportanceScorer{config: config, cache: make(map[string]cachedHeat)}
}

// Heat scores one item with the default (neutral) relevance.
func (s *ImportanceScorer) Heat(item *models.MemoryItem, now time.Time) HeatScore {
	s.mu.Lock()
	if cached, ok := s.cache[item.ID]; ok && cached.modifiedAt.Equal(item.ModifiedAt) {
		s.mu.Unlock()
		return cached.score
	}
	s.mu.Unlock()

	score := s.HeatWithRelevance(item, 0.5, now)
	s.mu.Lock()
	s.cache[item.ID] = cachedHeat{modifiedAt: item.ModifiedAt, score: score}
	s.mu.Unlock()
	return score
}

// HeatWithRelevance scores one item with a query-specific relevance in
// [0,1]. Results with explicit relevance are not cached.
func (s *ImportanceScorer) HeatWithRelevance(item *models.MemoryItem, relevance float64, now time.Time) HeatScore {
	factors := FactorScores{
		Recency:     s.recency(item, now),
		Frequency:   s.frequency(item),
		Relevance:   clamp01(relevance),
		Source:      sourceTrust(item.Source),
		Emotional:   s.emotional(item, now),
		CrossRef:    crossRef(item.CrossReferences),
		ManualBoost: clamp01(item.ManualBoost),
	}

	heat := factors.Recency*s.config.RecencyWeight +
		factors.Frequency*s.config.FrequencyWeight +
		factors.Relevance*s.config.RelevanceWeight +
		factors.Source*s.config.SourceWeight +
		factors.Emotional*s.config.EmotionalWeight +
		factors.CrossRef*s.config.CrossRefWeight
	heat = clamp01(heat + factors.ManualBoost)

	return HeatScore{Heat: heat, Temperature: TemperatureOf(heat), Factors: factors}
}

// Invalidate drops an item's cached score.
func (s *ImportanceScorer) Invalidate(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}

// SortByHeat orders items hottest first.
func (s *ImportanceScorer) SortByHeat(items []*models.MemoryItem, now time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		return s.Heat(items[i], now).Heat > s.Heat(items[j], now).Heat
	})
}

// recency decays exponentially from the last access (or modification):
// e^(−ln2 · age / half_life).
func (s *ImportanceScorer) recency(item *models.MemoryItem, now time.Time) float64 {
	last := item.ModifiedAt
	for _, access := range item.Accesses {
		if access.Timestamp.After(last) {
			last = access.Timestamp
		}
	}
	age := now.Sub(last).Seconds()
	if age <= 0 {
		return 1.0
	}
	return clamp01(math.Exp(-math.Ln2 * age / s.config.DecayHalfLife.Seconds()))
}

// frequency scales logarithmically: ln(count)/ln(10) once accesses reach
// the minimum.
func (s *ImportanceScorer) frequency(item *models.MemoryItem) float64 {
	count := len(item.Accesses)
	if count < s.config.MinAccessForFrequency {
		return 0
	}
	return clamp01(math.Log(float64(count)) / math.Log(10))
}

// emotional is the recency-weighted average of reaction impact scores,
// with a one-day decay; no reactions default to neutral 0.5.
func (s *ImportanceScorer) emotional(item *models.MemoryItem, now time.Time) float64 {
	if len(item.Reactions) == 0 {
		return 0.5
	}
	var weightedSum, totalWeight float64
	for _, reaction := range item.Reactions {
		age := now.Sub(reaction.Timestamp).Seconds()
		recency := math.Exp(-age / 86400.0)
		weight := recency * clamp01(reaction.Intensity)
		weightedSum += reactionImpact(reaction.Kind) * weight
		totalWeight += weight
	}
	if totalWeight <= 0 {
		return 0.5
	}
	return clamp01(weightedSum / totalWeight)
}

// crossRef scales as ln(refs+1)/ln(3).
func crossRef(refs int) float64 {
	if refs <= 0 {
		return 0
	}
	return clamp01(math.Log(float64(refs)+1) / math.Log(3))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
