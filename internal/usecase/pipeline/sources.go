package pipeline

import (
	"context"

	"github.com/kailas-cloud/recluster/internal/source"
)

// ScrapedFiles reads the scraped receipt and fiscal JSONL exports.
type ScrapedFiles struct {
	Receipts string
	Fiscal   string
}

// Fingerprint hashes both files.
func (s ScrapedFiles) Fingerprint(context.Context) (string, error) {
	return source.Fingerprint(s.Receipts, s.Fiscal) //nolint:wrapcheck // already annotated
}

// Read joins receipts with their fiscal documents.
func (s ScrapedFiles) Read(ctx context.Context) (source.Batch, error) {
	return source.ReadScrapedFiles(ctx, s.Receipts, s.Fiscal) //nolint:wrapcheck // already annotated
}

// AdditionalFiles reads the additional checks and items CSV exports.
type AdditionalFiles struct {
	Checks string
	Items  string
}

// Fingerprint hashes both files.
func (a AdditionalFiles) Fingerprint(context.Context) (string, error) {
	return source.Fingerprint(a.Checks, a.Items) //nolint:wrapcheck // already annotated
}

// Read joins items with their checks.
func (a AdditionalFiles) Read(ctx context.Context) (source.Batch, error) {
	return source.ReadAdditionalFiles(ctx, a.Checks, a.Items) //nolint:wrapcheck // already annotated
}

// emptySource stands in for an unconfigured source.
type emptySource struct{}

func (emptySource) Fingerprint(context.Context) (string, error) { return "empty", nil }

func (emptySource) Read(context.Context) (source.Batch, error) { return source.Batch{}, nil }
