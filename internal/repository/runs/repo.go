// Package runs stores run records and tracks the latest run.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kailas-cloud/recluster/internal/db"
	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
	"github.com/kailas-cloud/recluster/internal/domain/run"
)

// store is the consumer interface for run records (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Repo persists runs under <prefix>run:<id>.
type Repo struct {
	store  store
	prefix string
}

// New creates a run repository.
func New(s store, keyPrefix string) *Repo {
	return &Repo{store: s, prefix: keyPrefix}
}

func (r *Repo) runKey(id string) string { return r.prefix + "run:" + id }
func (r *Repo) latestKey() string       { return r.prefix + "run:latest" }

// Save writes the full run record.
func (r *Repo) Save(ctx context.Context, rn run.Run) error {
	h, err := runToHash(rn)
	if err != nil {
		return err
	}
	if err := r.store.HSet(ctx, r.runKey(rn.ID), h); err != nil {
		return fmt.Errorf("hset run %s: %w", rn.ID, err)
	}
	return nil
}

// Get loads a run by id.
func (r *Repo) Get(ctx context.Context, id string) (run.Run, error) {
	h, err := r.store.HGetAll(ctx, r.runKey(id))
	if errors.Is(err, db.ErrKeyNotFound) {
		return run.Run{}, domain.ErrRunNotFound
	}
	if err != nil {
		return run.Run{}, fmt.Errorf("hgetall run %s: %w", id, err)
	}
	return runFromHash(h)
}

// Latest loads the most recently finished run.
func (r *Repo) Latest(ctx context.Context) (run.Run, error) {
	id, err := r.store.Get(ctx, r.latestKey())
	if errors.Is(err, db.ErrKeyNotFound) {
		return run.Run{}, domain.ErrRunNotFound
	}
	if err != nil {
		return run.Run{}, fmt.Errorf("get latest run: %w", err)
	}
	return r.Get(ctx, string(id))
}

// Finish points run:latest at id and marks the previous latest run superseded.
func (r *Repo) Finish(ctx context.Context, id string) error {
	prev, err := r.store.Get(ctx, r.latestKey())
	if err != nil && !errors.Is(err, db.ErrKeyNotFound) {
		return fmt.Errorf("get latest run: %w", err)
	}
	if err := r.store.Set(ctx, r.latestKey(), []byte(id)); err != nil {
		return fmt.Errorf("set latest run: %w", err)
	}
	if len(prev) > 0 && string(prev) != id {
		if err := r.store.HSet(ctx, r.runKey(string(prev)), map[string]string{"superseded_by": id}); err != nil {
			return fmt.Errorf("mark run %s superseded: %w", prev, err)
		}
	}
	return nil
}

// List returns runs newest first, up to limit (0 means all).
func (r *Repo) List(ctx context.Context, limit int) ([]run.Run, error) {
	keys, err := r.store.Scan(ctx, r.runKey("*"))
	if err != nil {
		return nil, fmt.Errorf("scan runs: %w", err)
	}
	out := make([]run.Run, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, r.runKey(""))
		if id == "latest" {
			continue
		}
		rn, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rn)
	}
	// UUIDv7 ids sort by creation time; created_at breaks ties between foreign ids.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func runToHash(rn run.Run) (map[string]string, error) {
	cfg, err := json.Marshal(rn.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	assets, err := json.Marshal(rn.Assets)
	if err != nil {
		return nil, fmt.Errorf("marshal assets: %w", err)
	}
	order, err := json.Marshal(rn.Order)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	rejected, err := json.Marshal(rn.Rejected)
	if err != nil {
		return nil, fmt.Errorf("marshal rejected: %w", err)
	}
	h := map[string]string{
		"id":             rn.ID,
		"status":         string(rn.Status),
		"config":         string(cfg),
		"assets":         string(assets),
		"order":          string(order),
		"rejected":       string(rejected),
		"rejected_total": strconv.Itoa(rn.RejectedTotal),
		"created_at":     strconv.FormatInt(rn.CreatedAt.UnixMilli(), 10),
		"finished_at":    "0",
	}
	if !rn.FinishedAt.IsZero() {
		h["finished_at"] = strconv.FormatInt(rn.FinishedAt.UnixMilli(), 10)
	}
	if rn.SupersededBy != "" {
		h["superseded_by"] = rn.SupersededBy
	}
	return h, nil
}

func runFromHash(h map[string]string) (run.Run, error) {
	rn := run.Run{
		ID:           h["id"],
		Status:       run.Status(h["status"]),
		SupersededBy: h["superseded_by"],
	}
	createdAt, err := strconv.ParseInt(h["created_at"], 10, 64)
	if err != nil {
		return run.Run{}, fmt.Errorf("invalid created_at: %w", err)
	}
	rn.CreatedAt = time.UnixMilli(createdAt).UTC()
	if finished, err := strconv.ParseInt(h["finished_at"], 10, 64); err == nil && finished > 0 {
		rn.FinishedAt = time.UnixMilli(finished).UTC()
	}
	if n, err := strconv.Atoi(h["rejected_total"]); err == nil {
		rn.RejectedTotal = n
	}

	if err := unmarshalField(h, "config", &rn.Config); err != nil {
		return run.Run{}, err
	}
	rn.Assets = map[string]asset.Report{}
	if err := unmarshalField(h, "assets", &rn.Assets); err != nil {
		return run.Run{}, err
	}
	if err := unmarshalField(h, "order", &rn.Order); err != nil {
		return run.Run{}, err
	}
	if err := unmarshalField(h, "rejected", &rn.Rejected); err != nil {
		return run.Run{}, err
	}
	return rn, nil
}

func unmarshalField(h map[string]string, field string, dst any) error {
	s := h[field]
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", field, err)
	}
	return nil
}
