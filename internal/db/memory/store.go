// Package memory is a process-local db.Store. It backs the "memory" database driver
// and the engine and pipeline tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/kailas-cloud/recluster/internal/db"
)

type lock struct {
	token   string
	expires time.Time
}

// Store keeps keys, hashes and locks in maps guarded by one mutex.
type Store struct {
	mu     sync.RWMutex
	kv     map[string][]byte
	hashes map[string]map[string]string
	locks  map[string]lock
	now    func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		kv:     make(map[string][]byte),
		hashes: make(map[string]map[string]string),
		locks:  make(map[string]lock),
		now:    time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// WaitForReady returns immediately.
func (s *Store) WaitForReady(context.Context, time.Duration) error { return nil }

// Get returns a copy of the value or db.ErrKeyNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

// MGet returns one value per key; missing keys yield nil.
func (s *Store) MGet(_ context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := s.kv[k]; ok {
			out[i] = slices.Clone(v)
		}
	}
	return out, nil
}

// Set stores a copy of value.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = slices.Clone(value)
	return nil
}

// Incr increments a decimal counter, creating it at 0.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if v, ok := s.kv[key]; ok {
		parsed, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, &db.Error{Op: db.OpIncr, Err: fmt.Errorf("value is not an integer: %w", err)}
		}
		n = parsed
	}
	n++
	s.kv[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// Del removes key from both keyspaces.
func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	delete(s.hashes, key)
	delete(s.locks, key)
	return nil
}

// Exists reports whether key holds a value or a hash.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, inKV := s.kv[key]
	_, inHash := s.hashes[key]
	return inKV || inHash, nil
}

// HSet merges fields into the hash at key.
func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	maps.Copy(h, fields)
	return nil
}

// HGetAll returns a copy of the hash or db.ErrKeyNotFound.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hashes[key]
	if !ok || len(h) == 0 {
		return nil, db.ErrKeyNotFound
	}
	return maps.Clone(h), nil
}

// Scan returns keys of both keyspaces matching a glob pattern, sorted.
func (s *Store) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.kv {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range s.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// TryLock takes key for token unless another unexpired token holds it.
func (s *Store) TryLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if l, ok := s.locks[key]; ok && now.Before(l.expires) {
		return false, nil
	}
	s.locks[key] = lock{token: token, expires: now.Add(ttl)}
	return true, nil
}

// Unlock releases key if token still holds it.
func (s *Store) Unlock(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok || l.token != token || !s.now().Before(l.expires) {
		return db.ErrLockNotHeld
	}
	delete(s.locks, key)
	return nil
}

var _ db.Store = (*Store)(nil)
