// Package hashing is an offline embedding provider: signed feature hashing of word
// unigrams and character trigrams into a fixed-length, L2-normalized vector.
// It needs no model server and is fully deterministic, which makes it the default
// backend for local runs and tests.
package hashing

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/kailas-cloud/recluster/internal/domain"
)

// DefaultDimensions is used when no dimensionality is configured.
const DefaultDimensions = 256

const trigramWeight = 0.5

var tokenPattern = regexp.MustCompile(`\p{L}+|\p{N}+`)

// Embedder vectorizes texts locally.
type Embedder struct {
	dim int
}

// NewEmbedder creates a hashing embedder producing dim-length vectors.
func NewEmbedder(dim int) *Embedder {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &Embedder{dim: dim}
}

// Dimensions returns the vector length.
func (e *Embedder) Dimensions() int { return e.dim }

// BatchEmbed implements domain.Embedder. Token counts are reported as the number of words.
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	if len(texts) == 0 {
		return domain.BatchEmbeddingResult{}, nil
	}
	out := make([][]float32, len(texts))
	tokens := 0
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return domain.BatchEmbeddingResult{}, err //nolint:wrapcheck // context error
		}
		var n int
		out[i], n = e.embed(t)
		tokens += n
	}
	return domain.BatchEmbeddingResult{Embeddings: out, PromptTokens: tokens, TotalTokens: tokens}, nil
}

// HealthCheck always succeeds: there is no remote dependency.
func (e *Embedder) HealthCheck(context.Context) error { return nil }

func (e *Embedder) embed(text string) ([]float32, int) {
	acc := make([]float64, e.dim)
	words := tokenPattern.FindAllString(strings.ToLower(text), -1)
	for _, w := range words {
		e.add(acc, "w:"+w, 1)
		padded := []rune("^" + w + "$")
		for i := 0; i+3 <= len(padded); i++ {
			e.add(acc, "g:"+string(padded[i:i+3]), trigramWeight)
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, e.dim)
	if norm == 0 {
		return vec, len(words)
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec, len(words)
}

// add hashes a feature into a bucket; the top bit of the hash picks the sign
// so that collisions cancel out on average.
func (e *Embedder) add(acc []float64, feature string, weight float64) {
	h := xxhash.Sum64String(feature)
	idx := h % uint64(e.dim)
	if h>>63 == 1 {
		weight = -weight
	}
	acc[idx] += weight
}
