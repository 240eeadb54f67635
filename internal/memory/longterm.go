package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// LongTerm is the knowledge store: keyword search over title, content,
// and tags, with category and device-id indexes, and symptom-overlap
// search for troubleshooting cases.
type LongTerm struct {
	mu      sync.RWMutex
	entries map[string]*models.KnowledgeEntry

	byCategory map[models.KnowledgeCategory]map[string]struct{}
	byDevice   map[string]map[string]struct{}
}

// NewLongTerm creates an empty knowledge store.
func NewLongTerm() *LongTerm {
	return &LongTerm{
		entries:    make(map[string]*models.KnowledgeEntry),
		byCategory: make(map[models.KnowledgeCategory]map[string]struct{}),
		byDevice:   make(map[string]map[string]struct{}),
	}
}

// Add stores a knowledge entry, assigning an id when absent.
func (l *LongTerm) Add(entry *models.KnowledgeEntry) string {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.entries[entry.ID]; ok {
		l.unindexLocked(prev)
	}
	stored := *entry
	l.entries[entry.ID] = &stored
	l.indexLocked(&stored)
	return entry.ID
}

// Get returns one entry, counting the access.
func (l *LongTerm) Get(id string) (*models.KnowledgeEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[id]
	if !ok {
		return nil, errs.NotFound("knowledge entry", id)
	}
	entry.AccessCount++
	out := *entry
	return &out, nil
}

// Delete removes an entry and its index references.
func (l *LongTerm) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[id]
	if !ok {
		return errs.NotFound("knowledge entry", id)
	}
	l.unindexLocked(entry)
	delete(l.entries, id)
	return nil
}

// Search keyword-matches over title, content, and tags, ranking by hit
// count.
func (l *LongTerm) Search(query string, limit int) []*models.KnowledgeEntry {
	if limit <= 0 {
		limit = 10
	}
	terms := bm25Tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	type scored struct {
		entry *models.KnowledgeEntry
		hits  int
	}
	var matches []scored
	for _, entry := range l.entries {
		haystack := strings.ToLower(entry.Title + " " + entry.Content + " " + strings.Join(entry.Tags, " "))
		hits := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{entry: entry, hits: hits})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].hits > matches[j].hits })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*models.KnowledgeEntry, len(matches))
	for i, m := range matches {
		copy := *m.entry
		out[i] = &copy
	}
	return out
}

// ByCategory lists entries in one category.
func (l *LongTerm) ByCategory(category models.KnowledgeCategory) []*models.KnowledgeEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collectLocked(l.byCategory[category])
}

// ByDevice lists entries associated with one device.
func (l *LongTerm) ByDevice(deviceID string) []*models.KnowledgeEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collectLocked(l.byDevice[deviceID])
}

// SearchSymptoms ranks troubleshooting cases by symptom overlap with the
// observed symptoms.
func (l *LongTerm) SearchSymptoms(symptoms []string, limit int) []*models.KnowledgeEntry {
	if limit <= 0 {
		limit = 5
	}
	observed := make(map[string]struct{}, len(symptoms))
	for _, s := range symptoms {
		for _, term := range bm25Tokenize(s) {
			observed[term] = struct{}{}
		}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	type scored struct {
		entry   *models.KnowledgeEntry
		overlap int
	}
	var matches []scored
	for id := range l.byCategory[models.KnowledgeTroubleshootingCase] {
		entry := l.entries[id]
		overlap := 0
		for _, symptom := range entry.Symptoms {
			for _, term := range bm25Tokenize(symptom) {
				if _, ok := observed[term]; ok {
					overlap++
				}
			}
		}
		if overlap > 0 {
			matches = append(matches, scored{entry: entry, overlap: overlap})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].overlap > matches[j].overlap })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*models.KnowledgeEntry, len(matches))
	for i, m := range matches {
		copy := *m.entry
		out[i] = &copy
	}
	return out
}

// Len reports the stored entry count.
func (l *LongTerm) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *LongTerm) indexLocked(entry *models.KnowledgeEntry) {
	bucket, ok := l.byCategory[entry.Category]
	if !ok {
		bucket = make(map[string]struct{})
		l.byCategory[entry.Category] = bucket
	}
	bucket[entry.ID] = struct{}{}
	for _, device := range entry.AssociatedDeviceIDs {
		devices, ok := l.byDevice[device]
		if !ok {
			devices = make(map[string]struct{})
			l.byDevice[device] = devices
		}
		devices[entry.ID] = struct{}{}
	}
}

func (l *LongTerm) unindexLocked(entry *models.KnowledgeEntry) {
	delete(l.byCategory[entry.Category], entry.ID)
	for _, device := range entry.AssociatedDeviceIDs {
		delete(l.byDevice[device], entry.ID)
	}
}

func (l *LongTerm) collectLocked(ids map[string]struct{}) []*models.KnowledgeEntry {
	out := make([]*models.KnowledgeEntry, 0, len(ids))
	for id := range ids {
		if entry, ok := l.entries[id]; ok {
			copy := *entry
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
