// Package redislock serialises lineage appends across gateway replicas.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL   = 10 * time.Second
	DefaultRetry = 25 * time.Millisecond
)

var ErrLockLost = errors.New("redislock: lock expired before release")

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements ledger.Locker with SET NX PX. The TTL bounds how long a
// crashed holder can block the lineage.
type Locker struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Retry  time.Duration

	// OnLost is called when a release finds the key already gone or taken.
	OnLost func(key string)
}

func New(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{Client: client, Prefix: "ssi:lineage:", TTL: ttl, Retry: DefaultRetry}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.Prefix + key
	token := uuid.NewString()
	retry := l.Retry
	if retry <= 0 {
		retry = DefaultRetry
	}

	for {
		ok, err := l.Client.SetNX(ctx, redisKey, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be done; release on a fresh one.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(rctx, l.Client, []string{redisKey}, token).Int64()
		if (err != nil || n == 0) && l.OnLost != nil {
			l.OnLost(key)
		}
	}, nil
}
