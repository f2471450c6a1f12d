package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/receipt"
)

// Vector is the embedding of one record.
type Vector struct {
	ID     string
	Hash   string // content hash of the normalized text
	Values []float32
}

// Result is the output of one embedding pass, sorted by record id.
type Result struct {
	Vectors  []Vector
	Dim      int
	Distinct int // distinct normalized texts
	Tokens   int
}

// Stage maps validated records to embedding vectors.
type Stage struct {
	embedder   domain.Embedder
	textFields []string
	logger     *zap.Logger
}

// NewStage creates an embedding stage over the given embedder chain.
func NewStage(embedder domain.Embedder, textFields []string, logger *zap.Logger) *Stage {
	return &Stage{embedder: embedder, textFields: textFields, logger: logger}
}

// Normalize applies NFKC and collapses runs of whitespace, so texts differing only
// in spacing or Unicode form share one content hash.
func Normalize(text string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(text)), " ")
}

// ContentHash returns the hex SHA-256 of already normalized text.
func ContentHash(normalized string) string {
	h := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(h[:])
}

// Embed embeds every record. Identical normalized texts are sent to the embedder once;
// the embedder chain is invoked once for the whole set and either returns every vector
// or fails the stage.
func (s *Stage) Embed(ctx context.Context, records []receipt.Record) (Result, error) {
	sorted := slices.Clone(records)
	slices.SortFunc(sorted, func(a, b receipt.Record) int { return strings.Compare(a.ID(), b.ID()) })

	hashes := make([]string, len(sorted))
	index := make(map[string]int) // hash -> position in texts
	var texts []string
	for i, r := range sorted {
		text := Normalize(r.Text(s.textFields))
		h := ContentHash(text)
		hashes[i] = h
		if _, ok := index[h]; !ok {
			index[h] = len(texts)
			texts = append(texts, text)
		}
	}

	if len(texts) == 0 {
		return Result{}, nil
	}

	res, err := s.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		return Result{}, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	dim, err := res.Dim(len(texts))
	if err != nil {
		return Result{}, fmt.Errorf("embed: %w", err)
	}

	out := Result{
		Vectors:  make([]Vector, len(sorted)),
		Dim:      dim,
		Distinct: len(texts),
		Tokens:   res.TotalTokens,
	}
	for i, r := range sorted {
		out.Vectors[i] = Vector{ID: r.ID(), Hash: hashes[i], Values: res.Embeddings[index[hashes[i]]]}
	}

	s.logger.Info("Records embedded",
		zap.Int("records", len(sorted)),
		zap.Int("distinct_texts", len(texts)),
		zap.Int("dim", dim),
	)
	return out, nil
}
