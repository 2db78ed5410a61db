package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedMutexExcludesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(ctx, "a")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatalf("second holder acquired a held key")
	case <-time.After(50 * time.Millisecond):
	}

	other, err := m.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("other keys must not block: %v", err)
	}
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter never acquired the released key")
	}
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestKeyedMutexReleasesSlots(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
	unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.slots) != 0 {
		t.Fatalf("expected no slots after release, got %d", len(m.slots))
	}
}

func TestLineageKeyIsUnambiguous(t *testing.T) {
	if LineageKey("a:b", "c") == LineageKey("a", "b:c") {
		t.Fatalf("lineage keys collide")
	}
}

type recordingLocker struct {
	name string
	log  *[]string
	err  error
}

func (r recordingLocker) Lock(context.Context, string) (func(), error) {
	if r.err != nil {
		return nil, r.err
	}
	*r.log = append(*r.log, "lock "+r.name)
	return func() { *r.log = append(*r.log, "unlock "+r.name) }, nil
}

func TestChainLockers(t *testing.T) {
	var log []string
	chain := ChainLockers{recordingLocker{name: "local", log: &log}, recordingLocker{name: "redis", log: &log}}
	unlock, err := chain.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
	want := "[lock local lock redis unlock redis unlock local]"
	if got := fmtList(log); got != want {
		t.Fatalf("got %s want %s", got, want)
	}

	log = nil
	failing := ChainLockers{recordingLocker{name: "local", log: &log}, recordingLocker{err: errors.New("redis down")}}
	if _, err := failing.Lock(context.Background(), "k"); err == nil {
		t.Fatalf("expected error")
	}
	if got := fmtList(log); got != "[lock local unlock local]" {
		t.Fatalf("earlier locks must be released on failure, got %s", got)
	}
}

func fmtList(items []string) string {
	out := "["
	for i, s := range items {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out + "]"
}
