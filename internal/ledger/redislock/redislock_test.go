package redislock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/davidahmann/ssi-gateway/internal/ledger"
	"github.com/davidahmann/ssi-gateway/internal/ledger/ledgertest"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := New(client, time.Second)
	l.Retry = 5 * time.Millisecond
	return l, mr
}

func TestLockExcludesSecondHolder(t *testing.T) {
	l, mr := newLocker(t)

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists("ssi:lineage:k") {
		t.Fatalf("expected lock key in redis")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second holder must wait, got %v", err)
	}

	unlock()
	if mr.Exists("ssi:lineage:k") {
		t.Fatalf("unlock must delete the key")
	}
	again, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}

func TestUnlockLeavesForeignHolderAlone(t *testing.T) {
	l, mr := newLocker(t)
	var lost []string
	l.OnLost = func(key string) { lost = append(lost, key) }

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	// Simulate expiry followed by another replica taking the lock.
	if err := mr.Set("ssi:lineage:k", "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}
	unlock()

	if got, _ := mr.Get("ssi:lineage:k"); got != "someone-else" {
		t.Fatalf("foreign holder's lock was deleted")
	}
	if len(lost) != 1 || lost[0] != "k" {
		t.Fatalf("expected lost lock report, got %v", lost)
	}
}

func TestLockExpires(t *testing.T) {
	l, mr := newLocker(t)
	if _, err := l.Lock(context.Background(), "k"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	mr.FastForward(2 * time.Second)

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("expired lock should be acquirable: %v", err)
	}
	unlock()
}

func TestLockRedisDown(t *testing.T) {
	l, mr := newLocker(t)
	mr.Close()
	if _, err := l.Lock(context.Background(), "k"); err == nil {
		t.Fatalf("expected error when redis is unreachable")
	}
}

func TestWriterWithRedisLock(t *testing.T) {
	l, _ := newLocker(t)
	store := ledger.NewInMemoryStore()
	w := ledger.NewWriter(store, ledgertest.Signer(),
		ledger.WithLogger(zaptest.NewLogger(t)),
		ledger.WithLocker(ledger.ChainLockers{ledger.NewKeyedMutex(), l}),
	)
	first := ledgertest.MustAppend(t, w, "tenant-a", ledgertest.Entry("trading-prod", "req-1"))
	second := ledgertest.MustAppend(t, w, "tenant-a", ledgertest.Entry("trading-prod", "req-2"))
	if second.PreviousChainHash != first.ChainHash {
		t.Fatalf("records not linked")
	}
}
