// Package source reads the raw receipt exports into untrusted receipt.Raw lines.
// Readers never validate values; they only reshape files into records and report
// the lines they could not reshape.
package source

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/kailas-cloud/recluster/internal/domain/receipt"
)

// Source names stamped on every record.
const (
	Scraped    = "scraped"
	Additional = "additional"
)

// Skip is a source line that could not be turned into a record.
type Skip struct {
	Ref    string // file:line or record reference
	Reason string
}

// Batch is the output of one source reader.
type Batch struct {
	Records []receipt.Raw
	Skipped []Skip
}

// Open opens path for reading, transparently decompressing gzip content.
// The caller must close the returned reader.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	br := bufio.NewReader(f)
	magic, _ := br.Peek(2)
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open gzip %s: %w", path, err)
		}
		return &gzipFile{Reader: zr, f: f}, nil
	}
	return &plainFile{Reader: br, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	zerr := g.Reader.Close()
	if err := g.f.Close(); err != nil {
		return fmt.Errorf("close source: %w", err)
	}
	if zerr != nil {
		return fmt.Errorf("close gzip: %w", zerr)
	}
	return nil
}

type plainFile struct {
	*bufio.Reader
	f *os.File
}

func (p *plainFile) Close() error {
	if err := p.f.Close(); err != nil {
		return fmt.Errorf("close source: %w", err)
	}
	return nil
}

// Fingerprint hashes the raw bytes of every path in order. Empty paths hash as absent,
// so an unconfigured source still has a stable fingerprint.
func Fingerprint(paths ...string) (string, error) {
	h := sha256.New()
	for _, p := range paths {
		if p == "" {
			_, _ = h.Write([]byte("-\n"))
			continue
		}
		f, err := os.Open(filepath.Clean(p))
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", p, err)
		}
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", fmt.Errorf("fingerprint %s: %w", p, err)
		}
		_, _ = h.Write([]byte("\n"))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func openOptional(path string) (io.ReadCloser, error) {
	if path == "" {
		return nil, nil
	}
	return Open(path)
}
