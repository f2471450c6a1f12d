package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kailas-cloud/recluster/internal/db"
)

func TestKV(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "k"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := s.Get(ctx, "k")
	if err != nil || string(v) != "v" {
		t.Fatalf("expected v, got %q (%v)", v, err)
	}
	v[0] = 'x'
	if again, _ := s.Get(ctx, "k"); string(again) != "v" {
		t.Error("Get must return a copy")
	}

	vals, _ := s.MGet(ctx, []string{"k", "missing"})
	if string(vals[0]) != "v" || vals[1] != nil {
		t.Errorf("unexpected MGet: %q", vals)
	}

	if err := s.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if ok, _ := s.Exists(ctx, "k"); ok {
		t.Error("expected key deleted")
	}
}

func TestIncr(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "seq")
		if err != nil || got != want {
			t.Fatalf("expected %d, got %d (%v)", want, got, err)
		}
	}
	_ = s.Set(ctx, "text", []byte("abc"))
	if _, err := s.Incr(ctx, "text"); err == nil {
		t.Fatal("expected error on non-integer value")
	}
}

func TestHashAndScan(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	if _, err := s.HGetAll(ctx, "run:1"); !errors.Is(err, db.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	_ = s.HSet(ctx, "run:2", map[string]string{"status": "running"})
	_ = s.HSet(ctx, "run:2", map[string]string{"status": "succeeded", "rows": "3"})
	_ = s.HSet(ctx, "run:1", map[string]string{"status": "failed"})
	_ = s.Set(ctx, "other", []byte("x"))

	h, err := s.HGetAll(ctx, "run:2")
	if err != nil || h["status"] != "succeeded" || h["rows"] != "3" {
		t.Fatalf("unexpected hash %v (%v)", h, err)
	}

	keys, _ := s.Scan(ctx, "run:*")
	if len(keys) != 2 || keys[0] != "run:1" || keys[1] != "run:2" {
		t.Errorf("unexpected scan result %v", keys)
	}
}

func TestLock(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	ok, _ := s.TryLock(ctx, "lock:a", "t1", time.Second)
	if !ok {
		t.Fatal("expected first lock to succeed")
	}
	if ok, _ := s.TryLock(ctx, "lock:a", "t2", time.Second); ok {
		t.Fatal("expected contended lock to fail")
	}
	if err := s.Unlock(ctx, "lock:a", "t2"); !errors.Is(err, db.ErrLockNotHeld) {
		t.Fatalf("expected ErrLockNotHeld for foreign token, got %v", err)
	}

	now = now.Add(2 * time.Second)
	if ok, _ := s.TryLock(ctx, "lock:a", "t2", time.Second); !ok {
		t.Fatal("expected expired lock to be taken over")
	}
	if err := s.Unlock(ctx, "lock:a", "t1"); !errors.Is(err, db.ErrLockNotHeld) {
		t.Fatalf("expected stale holder rejected, got %v", err)
	}
	if err := s.Unlock(ctx, "lock:a", "t2"); err != nil {
		t.Fatalf("unexpected unlock error: %v", err)
	}
}
