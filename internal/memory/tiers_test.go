package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/edgemind/edgemind/pkg/models"
)

func agentMsg(role models.Role, content string) models.AgentMessage {
	return models.AgentMessage{Role: role, Content: content, Timestamp: time.Now()}
}

func TestShortTerm_MessageBound(t *testing.T) {
	st := NewShortTerm(ShortTermConfig{MaxMessages: 3, MaxTokens: 100000})
	for i := 0; i < 5; i++ {
		st.Add(agentMsg(models.RoleUser, strings.Repeat("m", 10)))
	}
	if st.Len() != 3 {
		t.Fatalf("expected 3 messages after eviction, got %d", st.Len())
	}
}

func TestShortTerm_TokenBound(t *testing.T) {
	st := NewShortTerm(ShortTermConfig{MaxMessages: 1000, MaxTokens: 50})
	for i := 0; i < 10; i++ {
		st.Add(agentMsg(models.RoleUser, strings.Repeat("x", 100))) // 25 tokens each
	}
	if st.TokenCount() > 50 {
		t.Fatalf("token bound violated: %d", st.TokenCount())
	}
	if st.Len() == 0 {
		t.Fatal("buffer must keep at least one message")
	}
}

func TestShortTerm_LastNAndClear(t *testing.T) {
	st := NewShortTerm(DefaultShortTermConfig())
	for i, content := range []string{"a", "b", "c"} {
		_ = i
		st.Add(agentMsg(models.RoleUser, content))
	}
	last := st.LastN(2)
	if len(last) != 2 || last[0].Content != "b" || last[1].Content != "c" {
		t.Fatalf("unexpected LastN: %+v", last)
	}
	if !strings.Contains(st.FormatPrompt(), "user: b") {
		t.Error("format-as-prompt missing role prefix")
	}
	st.Clear()
	if st.Len() != 0 || st.TokenCount() != 0 {
		t.Error("clear did not empty the buffer")
	}
}

func TestImportance_HeatRangeAndTemperature(t *testing.T) {
	scorer := NewImportanceScorer(DefaultImportanceConfig())
	now := time.Now()

	items := []*models.MemoryItem{
		{ID: "fresh", CreatedAt: now, ModifiedAt: now, Source: models.MemorySourceExpert, ManualBoost: 0.5},
		{ID: "stale", CreatedAt: now.Add(-100 * time.Hour), ModifiedAt: now.Add(-100 * time.Hour), Source: models.MemorySourceSystem},
		{ID: "loved", CreatedAt: now, ModifiedAt: now, Source: models.MemorySourceUser,
			Reactions: []models.MemoryReaction{{Kind: models.ReactionVeryPositive, Intensity: 1, Timestamp: now}},
			Accesses: []models.MemoryAccess{
				{Timestamp: now, Kind: models.AccessRead},
				{Timestamp: now, Kind: models.AccessRead},
				{Timestamp: now, Kind: models.AccessRead},
			},
			CrossReferences: 5},
	}
	for _, item := range items {
		score := scorer.Heat(item, now)
		if score.Heat < 0 || score.Heat > 1 {
			t.Errorf("%s: heat out of range: %f", item.ID, score.Heat)
		}
		if score.Temperature != TemperatureOf(score.Heat) {
			t.Errorf("%s: temperature does not match heat bucket", item.ID)
		}
	}

	fresh := scorer.Heat(items[0], now)
	stale := scorer.Heat(items[1], now)
	if fresh.Heat <= stale.Heat {
		t.Errorf("fresh boosted item (%f) must outrank stale system item (%f)", fresh.Heat, stale.Heat)
	}
}

func TestImportance_RecencyHalfLife(t *testing.T) {
	scorer := NewImportanceScorer(DefaultImportanceConfig())
	now := time.Now()
	item := &models.MemoryItem{
		ID:         "x",
		ModifiedAt: now.Add(-time.Hour), // exactly one half-life
		Source:     models.MemorySourceAI,
	}
	score := scorer.HeatWithRelevance(item, 0.5, now)
	if score.Factors.Recency < 0.45 || score.Factors.Recency > 0.55 {
		t.Errorf("one half-life should decay recency to ~0.5, got %f", score.Factors.Recency)
	}
}

func TestImportance_CacheInvalidatedOnMutation(t *testing.T) {
	scorer := NewImportanceScorer(DefaultImportanceConfig())
	now := time.Now()
	item := &models.MemoryItem{ID: "m", ModifiedAt: now.Add(-2 * time.Hour), Source: models.MemorySourceAI}

	first := scorer.Heat(item, now)

	// Mutation refreshes ModifiedAt, so the cached score must not stick.
	item.ModifiedAt = now
	item.ManualBoost = 0.4
	second := scorer.Heat(item, now)
	if second.Heat <= first.Heat {
		t.Errorf("mutated item should rescore: %f -> %f", first.Heat, second.Heat)
	}
}

func TestBM25_RanksTermMatches(t *testing.T) {
	idx := newBM25Index()
	idx.Add("a", "the pump pressure dropped suddenly")
	idx.Add("b", "temperature sensor reading nominal")
	idx.Add("c", "pump maintenance scheduled for pressure check pump")

	scoreA := idx.Score("pump pressure", "a")
	scoreB := idx.Score("pump pressure", "b")
	scoreC := idx.Score("pump pressure", "c")
	if scoreB != 0 {
		t.Errorf("document without query terms should score 0, got %f", scoreB)
	}
	if scoreA <= 0 || scoreC <= 0 {
		t.Fatal("matching documents must score positive")
	}

	idx.Remove("a")
	if idx.Score("pump pressure", "a") != 0 {
		t.Error("removed document still scores")
	}
}

func TestMidTerm_SearchModes(t *testing.T) {
	ctx := context.Background()
	mid := NewMidTerm(DefaultMidTermConfig(), nil, nil)

	_, err := mid.AddExchange(ctx, "s1", "what is the boiler pressure", "the boiler pressure is 2.1 bar", models.MemorySourceAI)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mid.AddExchange(ctx, "s1", "turn off the garden lights", "the garden lights are off", models.MemorySourceAI); err != nil {
		t.Fatal(err)
	}
	if _, err := mid.AddExchange(ctx, "s2", "boiler service schedule", "next boiler service is in May", models.MemorySourceAI); err != nil {
		t.Fatal(err)
	}

	for _, method := range []SearchMethod{SearchSemantic, SearchBM25, SearchHybrid} {
		hits, err := mid.Search(ctx, "s1", "boiler pressure", method, 5)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if len(hits) == 0 {
			t.Fatalf("%s: no hits", method)
		}
		if !strings.Contains(hits[0].Entry.Content, "boiler pressure") {
			t.Errorf("%s: top hit should be the boiler exchange, got %q", method, hits[0].Entry.Content)
		}
		for _, hit := range hits {
			if hit.Entry.SessionID != "s1" {
				t.Errorf("%s: session filter leaked entry from %s", method, hit.Entry.SessionID)
			}
		}
	}
}

func TestMidTerm_CapacityEvictsColdest(t *testing.T) {
	ctx := context.Background()
	scorer := NewImportanceScorer(DefaultImportanceConfig())
	mid := NewMidTerm(MidTermConfig{MaxEntries: 2}, nil, scorer)

	hotID, _ := mid.AddExchange(ctx, "s1", "q1", "a1", models.MemorySourceAI)
	coldID, _ := mid.AddExchange(ctx, "s1", "q2", "a2", models.MemorySourceAI)

	// Heat up the first entry with a strong reaction and boost.
	if !mid.AddReaction(hotID, models.ReactionVeryPositive, 1.0) {
		t.Fatal("reaction on live entry failed")
	}
	if item, ok := mid.Item(hotID); ok {
		item.ManualBoost = 0.8
	}
	if item, ok := mid.Item(coldID); ok {
		item.ModifiedAt = time.Now().Add(-48 * time.Hour)
		scorer.Invalidate(coldID)
	}

	// Third insert exceeds capacity: the cold entry goes.
	if _, err := mid.AddExchange(ctx, "s1", "q3", "a3", models.MemorySourceAI); err != nil {
		t.Fatal(err)
	}
	if mid.Len() != 2 {
		t.Fatalf("capacity not enforced: %d entries", mid.Len())
	}
	if _, ok := mid.Item(coldID); ok {
		t.Error("lowest-heat entry should have been evicted")
	}
	if _, ok := mid.Item(hotID); !ok {
		t.Error("hot entry must survive eviction")
	}
}

func TestLongTerm_SearchAndIndexes(t *testing.T) {
	lt := NewLongTerm()
	manualID := lt.Add(&models.KnowledgeEntry{
		Title:               "DHT22 manual",
		Content:             "wiring and calibration instructions",
		Category:            models.KnowledgeDeviceManual,
		Tags:                []string{"sensor", "wiring"},
		AssociatedDeviceIDs: []string{"dev-1"},
	})
	lt.Add(&models.KnowledgeEntry{
		Title:    "Batch firmware updates",
		Content:  "stagger updates to avoid simultaneous reboots",
		Category: models.KnowledgeBestPractice,
	})

	hits := lt.Search("wiring sensor", 5)
	if len(hits) != 1 || hits[0].ID != manualID {
		t.Fatalf("keyword search wrong: %+v", hits)
	}
	if got := lt.ByCategory(models.KnowledgeDeviceManual); len(got) != 1 {
		t.Error("category index wrong")
	}
	if got := lt.ByDevice("dev-1"); len(got) != 1 {
		t.Error("device index wrong")
	}

	entry, err := lt.Get(manualID)
	if err != nil || entry.AccessCount != 1 {
		t.Errorf("get should count accesses: %+v err=%v", entry, err)
	}
	if err := lt.Delete(manualID); err != nil {
		t.Fatal(err)
	}
	if _, err := lt.Get(manualID); err == nil {
		t.Error("deleted entry still readable")
	}
}

func TestLongTerm_SymptomOverlap(t *testing.T) {
	lt := NewLongTerm()
	caseID := lt.Add(&models.KnowledgeEntry{
		Title:    "Pump stalls",
		Category: models.KnowledgeTroubleshootingCase,
		Symptoms: []string{"pressure drops", "motor noise"},
		Solutions: []models.SolutionStep{
			{StepNo: 1, Description: "check the intake valve"},
		},
	})
	lt.Add(&models.KnowledgeEntry{
		Title:    "WiFi dropouts",
		Category: models.KnowledgeTroubleshootingCase,
		Symptoms: []string{"intermittent connectivity"},
	})

	hits := lt.SearchSymptoms([]string{"sudden pressure drops"}, 3)
	if len(hits) != 1 || hits[0].ID != caseID {
		t.Fatalf("symptom search wrong: %+v", hits)
	}
}

func TestTiered_ConsolidateAndQueryAll(t *testing.T) {
	ctx := context.Background()
	tiered := NewTiered(nil, nil, nil, nil)

	short := NewShortTerm(DefaultShortTermConfig())
	short.Add(agentMsg(models.RoleUser, "what is the boiler pressure"))
	short.Add(agentMsg(models.RoleAssistant, "2.1 bar"))
	short.Add(agentMsg(models.RoleUser, "and the garden lights?"))
	short.Add(agentMsg(models.RoleAssistant, "all off"))

	inserted, err := tiered.Consolidate(ctx, "s1", short)
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 2 {
		t.Fatalf("expected 2 consolidated pairs, got %d", inserted)
	}

	tiered.LongTerm().Add(&models.KnowledgeEntry{
		Title:    "Boiler maintenance",
		Content:  "annual pressure inspection required",
		Category: models.KnowledgeBestPractice,
	})

	result, err := tiered.QueryAll(ctx, "s1", "boiler pressure", short, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.ShortTerm) == 0 {
		t.Error("short-term keyword match missing")
	}
	if len(result.MidTerm) == 0 {
		t.Error("mid-term hit missing")
	}
	if len(result.LongTerm) == 0 {
		t.Error("long-term keyword match missing")
	}
}

func TestCompressor_MethodsAndLimit(t *testing.T) {
	var group []ScoredMessage
	for i := 0; i < 10; i++ {
		group = append(group, ScoredMessage{
			Message: agentMsg(models.RoleUser, strings.Repeat("sentence about topic. ", 10)),
			Score:   float64(i) / 10,
			Topic:   map[bool]string{true: "alpha", false: "beta"}[i%2 == 0],
		})
	}

	for _, method := range []CompressionMethod{
		CompressConcatenate, CompressChronological, CompressTopicBased, CompressHierarchical, CompressSemantic,
	} {
		c := NewCompressor(CompressorConfig{Method: method, Ratio: 0.3})
		result := c.Compress([][]ScoredMessage{group})
		if result.Content == "" {
			t.Errorf("%s: empty output", method)
		}
		if result.Stats.InputMessages != 10 {
			t.Errorf("%s: stats wrong: %+v", method, result.Stats)
		}
		if result.Stats.OutputChars >= result.Stats.InputChars {
			t.Errorf("%s: no compression achieved (%d -> %d)", method, result.Stats.InputChars, result.Stats.OutputChars)
		}
	}

	c := NewCompressor(DefaultCompressorConfig())
	limited := c.CompressToLimit([][]ScoredMessage{group}, 50)
	if limited.Stats.OutputChars > 50*4*2 {
		t.Errorf("compress-to-limit overshot: %d chars for 50 tokens", limited.Stats.OutputChars)
	}
}
