package memory

import (
	"math"
	"strings"
	"unicode"
)

// BM25 parameters; the usual defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// bm25Index is a small in-memory inverted index over document term
// frequencies. It is not safe for concurrent use; the owning tier locks.
type bm25Index struct {
	docs      map[string]map[string]int // doc id → term → frequency
	docLen    map[string]int
	docFreq   map[string]int // term → number of docs containing it
	totalLen  int
}

func newBM25Index() *bm25Index {
	return &bm25Index{
		docs:    make(map[string]map[string]int),
		docLen:  make(map[string]int),
		docFreq: make(map[string]int),
	}
}

func bm25Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Add indexes one document, replacing any previous version.
func (idx *bm25Index) Add(id, text string) {
	idx.Remove(id)
	terms := bm25Tokenize(text)
	freqs := make(map[string]int, len(terms))
	for _, term := range terms {
		freqs[term]++
	}
	idx.docs[id] = freqs
	idx.docLen[id] = len(terms)
	idx.totalLen += len(terms)
	for term := range freqs {
		idx.docFreq[term]++
	}
}

// Remove drops a document from the index.
func (idx *bm25Index) Remove(id string) {
	freqs, ok := idx.docs[id]
	if !ok {
		return
	}
	for term := range freqs {
		idx.docFreq[term]--
		if idx.docFreq[term] <= 0 {
			delete(idx.docFreq, term)
		}
	}
	idx.totalLen -= idx.docLen[id]
	delete(idx.docs, id)
	delete(idx.docLen, id)
}

// Score computes the BM25 score of a query against one document.
func (idx *bm25Index) Score(query, id string) float64 {
	freqs, ok := idx.docs[id]
	if !ok || len(idx.docs) == 0 {
		return 0
	}
	n := float64(len(idx.docs))
	avgLen := idx.avgDocLen()
	var score float64
	for _, term := range bm25Tokenize(query) {
		tf := float64(freqs[term])
		if tf == 0 {
			continue
		}
		df := float64(idx.docFreq[term])
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		denom := tf + bm25K1*(1-bm25B+bm25B*float64(idx.docLen[id])/avgLen)
		score += idf * (tf * (bm25K1 + 1)) / denom
	}
	return score
}

func (idx *bm25Index) avgDocLen() float64 {
	if len(idx.docs) == 0 {
		return 1
	}
	avg := float64(idx.totalLen) / float64(len(idx.docs))
	if avg <= 0 {
		return 1
	}
	return avg
}
