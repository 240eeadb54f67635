package agent

import (
	"strings"

	"github.com/edgemind/edgemind/pkg/models"
)

// intentRule is one keyword bucket for the lightweight turn classifier.
type intentRule struct {
	category    string
	displayName string
	keywords    []string
}

var intentRules = []intentRule{
	{"device_query", "Device query", []string{"device", "sensor", "temperature", "humidity", "status", "online", "offline", "metric"}},
	{"device_control", "Device control", []string{"turn on", "turn off", "set ", "reboot", "restart", "toggle", "switch"}},
	{"alert_review", "Alert review", []string{"alert", "warning", "notification", "message"}},
	{"history_query", "History query", []string{"history", "yesterday", "last week", "trend", "over time"}},
}

// classifyIntent maps a user message onto at most one intent. Returns nil
// when no bucket matches; the turn then proceeds unclassified.
func classifyIntent(message string) *models.IntentPayload {
	lower := strings.ToLower(message)
	best := -1
	bestHits := 0
	var bestWords []string
	for i, rule := range intentRules {
		hits := 0
		var words []string
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				hits++
				words = append(words, strings.TrimSpace(kw))
			}
		}
		if hits > bestHits {
			best, bestHits, bestWords = i, hits, words
		}
	}
	if best < 0 {
		return nil
	}
	confidence := float64(bestHits) / float64(len(intentRules[best].keywords))
	if confidence > 1 {
		confidence = 1
	}
	return &models.IntentPayload{
		Category:    intentRules[best].category,
		DisplayName: intentRules[best].displayName,
		Confidence:  confidence,
		Keywords:    bestWords,
	}
}
