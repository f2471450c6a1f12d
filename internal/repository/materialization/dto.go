package materialization

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/kailas-cloud/recluster/internal/domain/asset"
)

// toHash converts a materialization to a map for HSET.
func toHash(m asset.Materialization) (map[string]string, error) {
	upstream, err := json.Marshal(m.Upstream)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream: %w", err)
	}
	diagnostics, err := json.Marshal(m.Diagnostics)
	if err != nil {
		return nil, fmt.Errorf("marshal diagnostics: %w", err)
	}
	return map[string]string{
		"asset":        m.Asset,
		"run":          m.RunID,
		"seq":          strconv.FormatInt(m.Seq, 10),
		"input_hash":   m.InputHash,
		"content_hash": m.ContentHash,
		"upstream":     string(upstream),
		"rows":         strconv.Itoa(m.Rows),
		"created_at":   strconv.FormatInt(m.CreatedAt.UnixMilli(), 10),
		"diagnostics":  string(diagnostics),
	}, nil
}

// fromHash hydrates a materialization from an HGETALL result map.
func fromHash(h map[string]string) (asset.Materialization, error) {
	seq, err := strconv.ParseInt(h["seq"], 10, 64)
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("invalid seq: %w", err)
	}
	rows, err := strconv.Atoi(h["rows"])
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("invalid rows: %w", err)
	}
	createdAt, err := strconv.ParseInt(h["created_at"], 10, 64)
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("invalid created_at: %w", err)
	}

	m := asset.Materialization{
		Asset:       h["asset"],
		RunID:       h["run"],
		Seq:         seq,
		InputHash:   h["input_hash"],
		ContentHash: h["content_hash"],
		Rows:        rows,
		CreatedAt:   time.UnixMilli(createdAt).UTC(),
	}
	if s := h["upstream"]; s != "" {
		if err := json.Unmarshal([]byte(s), &m.Upstream); err != nil {
			return asset.Materialization{}, fmt.Errorf("unmarshal upstream: %w", err)
		}
	}
	if s := h["diagnostics"]; s != "" {
		if err := json.Unmarshal([]byte(s), &m.Diagnostics); err != nil {
			return asset.Materialization{}, fmt.Errorf("unmarshal diagnostics: %w", err)
		}
	}
	return m, nil
}
