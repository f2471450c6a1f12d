package redis

import (
	"context"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/recluster/internal/db"
)

// unlockScript deletes the lock key only while it still holds the caller's token.
const unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// TryLock takes the lock with SET NX PX.
func (s *Store) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	cmd := s.b().Set().Key(key).Value(token).Nx().PxMilliseconds(ttl.Milliseconds()).Build()
	err := s.do(ctx, cmd).Error()
	if err == nil {
		return true, nil
	}
	if rueidis.IsRedisNil(err) {
		return false, nil
	}
	return false, &db.Error{Op: db.OpSet, Err: err}
}

// Unlock releases the lock if token still owns it.
func (s *Store) Unlock(ctx context.Context, key, token string) error {
	cmd := s.b().Eval().Script(unlockScript).Numkeys(1).Key(key).Arg(token).Build()
	n, err := s.do(ctx, cmd).AsInt64()
	if err != nil {
		return &db.Error{Op: db.OpEval, Err: err}
	}
	if n == 0 {
		return db.ErrLockNotHeld
	}
	return nil
}
