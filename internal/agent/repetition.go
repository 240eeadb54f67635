package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// repetitionWindow is how many response hashes are remembered per session.
const repetitionWindow = 10

// repetitionDetector flags assistant responses whose normalised content
// hash-matches any of the last few responses in the same session.
type repetitionDetector struct {
	mu     sync.Mutex
	hashes []string
}

func newRepetitionDetector() *repetitionDetector {
	return &repetitionDetector{}
}

// normalise lowercases and collapses whitespace so formatting-only
// differences do not defeat detection.
func normalise(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// Observe records a response and reports whether it repeats a recent one.
func (d *repetitionDetector) Observe(content string) bool {
	sum := sha256.Sum256([]byte(normalise(content)))
	hash := hex.EncodeToString(sum[:])

	d.mu.Lock()
	defer d.mu.Unlock()
	repeated := false
	for _, h := range d.hashes {
		if h == hash {
			repeated = true
			break
		}
	}
	d.hashes = append(d.hashes, hash)
	if len(d.hashes) > repetitionWindow {
		d.hashes = d.hashes[len(d.hashes)-repetitionWindow:]
	}
	return repeated
}
