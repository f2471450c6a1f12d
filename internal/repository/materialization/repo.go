// Package materialization stores asset materializations copy-on-write: payload
// and metadata go under a per-run key, and a head pointer swap commits them.
package materialization

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kailas-cloud/recluster/internal/db"
	"github.com/kailas-cloud/recluster/internal/domain"
	"github.com/kailas-cloud/recluster/internal/domain/asset"
)

// store is the consumer interface for materializations (ISP).
//
//nolint:interfacebloat // copy-on-write commit needs kv, hash, counter and lock operations
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Incr(ctx context.Context, key string) (int64, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}

// Default lock settings.
const (
	DefaultLockTimeout = 30 * time.Second
	lockPollInterval   = 50 * time.Millisecond
)

// Repo implements orchestrator.Store.
type Repo struct {
	store       store
	prefix      string
	lockTimeout time.Duration
	lockTTL     time.Duration
}

// New creates a materialization repository. keyPrefix namespaces every key.
func New(s store, keyPrefix string, lockTimeout time.Duration) *Repo {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Repo{store: s, prefix: keyPrefix, lockTimeout: lockTimeout, lockTTL: 2 * lockTimeout}
}

func (r *Repo) seqKey(name string) string         { return r.prefix + "mat:" + name + ":seq" }
func (r *Repo) headKey(name string) string        { return r.prefix + "mat:" + name + ":head" }
func (r *Repo) metaKey(name, runID string) string { return r.prefix + "mat:" + name + ":" + runID }
func (r *Repo) dataKey(name, runID string) string { return r.metaKey(name, runID) + ":data" }
func (r *Repo) lockKey(name string) string        { return r.prefix + "lock:" + name }

// Head returns the committed materialization of an asset.
func (r *Repo) Head(ctx context.Context, name string) (asset.Materialization, error) {
	runID, err := r.store.Get(ctx, r.headKey(name))
	if errors.Is(err, db.ErrKeyNotFound) {
		return asset.Materialization{}, domain.ErrNotMaterialized
	}
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("get head %s: %w", name, err)
	}
	return r.Get(ctx, name, string(runID))
}

// Get returns the materialization an asset received in a given run.
func (r *Repo) Get(ctx context.Context, name, runID string) (asset.Materialization, error) {
	h, err := r.store.HGetAll(ctx, r.metaKey(name, runID))
	if errors.Is(err, db.ErrKeyNotFound) {
		return asset.Materialization{}, fmt.Errorf("%w: %s in run %s", domain.ErrNotMaterialized, name, runID)
	}
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("hgetall %s/%s: %w", name, runID, err)
	}
	m, err := fromHash(h)
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("parse %s/%s: %w", name, runID, err)
	}
	return m, nil
}

// Load returns the payload of m and checks it against the recorded content hash.
func (r *Repo) Load(ctx context.Context, m asset.Materialization) ([]byte, error) {
	data, err := r.store.Get(ctx, r.dataKey(m.Asset, m.RunID))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: payload of %s/%s missing", domain.ErrNotMaterialized, m.Asset, m.RunID)
	}
	if err != nil {
		return nil, fmt.Errorf("get payload %s/%s: %w", m.Asset, m.RunID, err)
	}
	if m.ContentHash != "" {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != m.ContentHash {
			return nil, fmt.Errorf("payload of %s/%s does not match its content hash", m.Asset, m.RunID)
		}
	}
	return data, nil
}

// Runs lists the run ids that committed a materialization of the asset, sorted.
func (r *Repo) Runs(ctx context.Context, name string) ([]string, error) {
	prefix := r.prefix + "mat:" + name + ":"
	keys, err := r.store.Scan(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if rest == "seq" || rest == "head" || strings.Contains(rest, ":") {
			continue
		}
		out = append(out, rest)
	}
	return out, nil
}

// Lock polls for the asset's write lock until the lock timeout.
func (r *Repo) Lock(ctx context.Context, name string) (func(context.Context) error, error) {
	key := r.lockKey(name)
	token := uuid.NewString()
	deadline := time.Now().Add(r.lockTimeout)

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		ok, err := r.store.TryLock(ctx, key, token, r.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", name, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := r.store.Unlock(ctx, key, token); err != nil {
					return fmt.Errorf("unlock %s: %w", name, err)
				}
				return nil
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", domain.ErrLockTimeout, name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Commit writes payload and metadata under the run's keys, then points the head
// at them. Readers of Head keep seeing the previous materialization until the
// final write.
func (r *Repo) Commit(ctx context.Context, m asset.Materialization, payload []byte) (asset.Materialization, error) {
	seq, err := r.store.Incr(ctx, r.seqKey(m.Asset))
	if err != nil {
		return asset.Materialization{}, fmt.Errorf("next seq %s: %w", m.Asset, err)
	}
	m.Seq = seq

	if err := r.store.Set(ctx, r.dataKey(m.Asset, m.RunID), payload); err != nil {
		return asset.Materialization{}, fmt.Errorf("set payload %s: %w", m.Asset, err)
	}
	h, err := toHash(m)
	if err != nil {
		return asset.Materialization{}, err
	}
	if err := r.store.HSet(ctx, r.metaKey(m.Asset, m.RunID), h); err != nil {
		return asset.Materialization{}, fmt.Errorf("hset meta %s: %w", m.Asset, err)
	}
	if err := r.store.Set(ctx, r.headKey(m.Asset), []byte(m.RunID)); err != nil {
		return asset.Materialization{}, fmt.Errorf("swap head %s: %w", m.Asset, err)
	}
	return m, nil
}
