package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Hashing is a deterministic, dependency-free embedding provider: each
// token hashes into a handful of dimensions, and the resulting vector is
// L2-normalised. Not semantically deep, but it gives cosine similarity
// something honest to work with when no embedding model is configured.
type Hashing struct {
	dimension int
}

// NewHashing creates a hashing embedder with the given dimension
// (default 256).
func NewHashing(dimension int) *Hashing {
	if dimension <= 0 {
		dimension = 256
	}
	return &Hashing{dimension: dimension}
}

func (h *Hashing) Name() string      { return "hashing" }
func (h *Hashing) Dimension() int    { return h.dimension }
func (h *Hashing) MaxBatchSize() int { return 1024 }

// Embed hashes the text's tokens into a normalised vector.
func (h *Hashing) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimension)
	for _, token := range tokenize(text) {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(token))
		seed := hasher.Sum32()
		// Spread each token over three buckets with alternating signs so
		// collisions do not systematically inflate similarity.
		for i := 0; i < 3; i++ {
			bucket := int((seed >> (i * 8)) % uint32(h.dimension))
			sign := float32(1)
			if (seed>>(i*8+7))&1 == 1 {
				sign = -1
			}
			vec[bucket] += sign
		}
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (h *Hashing) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
