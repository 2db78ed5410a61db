// Package ledgertest holds behaviour checks shared by every ledger.Store.
package ledgertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/ledger"
	"github.com/davidahmann/ssi-gateway/internal/signer"
	"github.com/davidahmann/ssi-gateway/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

// Signer returns a deterministic test signer.
func Signer() *signer.SeedSigner {
	return signer.NewSeedSigner("test-key", "ledgertest-seed", nil)
}

// Entry builds an audit entry for systemID with the given request id.
func Entry(systemID, requestID string) ledger.Entry {
	req := types.DecisionRequest{
		RequestID: requestID,
		ClientID:  "desk-1",
		SystemID:  systemID,
		Timestamp: "2025-01-02T03:04:05Z",
		Action: types.Action{
			Type:    types.DefaultActionType,
			Payload: map[string]any{"notional": json.Number("5000"), "symbol": "BTC-USD"},
		},
	}
	env := types.Envelope{
		EnvelopeID: "env-1",
		Name:       "TradingSafetyEnvelope",
		Version:    "1.0.0",
		Scope:      types.EnvelopeScope{SystemID: systemID, ActionType: types.DefaultActionType},
		Rules: types.RuleList{
			types.MaxNotionalRule{ID: "cap", MaxNotional: decimal.NewFromInt(10000)},
		},
	}
	return ledger.Entry{
		Request: req,
		Decision: types.Decision{
			RequestID:  requestID,
			DecisionID: "decision-" + requestID,
			Decision:   types.VerdictAllow,
			Reason:     "Within policy limits.",
			Details: types.DecisionDetails{
				RulesEvaluated:     []string{"cap"},
				RulesTriggered:     []string{},
				InvariantsViolated: []string{},
			},
			Timestamp: "2025-01-02T03:04:05Z",
			Envelope:  env.Ref(),
		},
		Envelope: env,
	}
}

// MustAppend appends and fails the test on a degraded result.
func MustAppend(t *testing.T, w *ledger.Writer, tenantID string, entry ledger.Entry) ledger.Record {
	t.Helper()
	res := w.Append(context.Background(), tenantID, entry)
	if res.Degraded() {
		t.Fatalf("append degraded: %v", res.Err)
	}
	return res.Record
}

// Run exercises newStore against the lineage, isolation and verification
// guarantees every store must give.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("Linkage", func(t *testing.T) { testLinkage(t, newStore(t)) })
	t.Run("TenantIsolation", func(t *testing.T) { testTenantIsolation(t, newStore(t)) })
	t.Run("IndependentLineages", func(t *testing.T) { testIndependentLineages(t, newStore(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
}

func newWriter(t *testing.T, store ledger.Store) *ledger.Writer {
	return ledger.NewWriter(store, Signer(),
		ledger.WithLogger(zaptest.NewLogger(t)),
		ledger.WithWriteTimeout(10*time.Second),
	)
}

func testLinkage(t *testing.T, store ledger.Store) {
	w := newWriter(t, store)
	ctx := context.Background()

	var records []ledger.Record
	for i := 0; i < 3; i++ {
		records = append(records, MustAppend(t, w, "tenant-a", Entry("trading-prod", fmt.Sprintf("req-%d", i))))
	}

	if records[0].PreviousChainHash != ledger.GenesisHash {
		t.Fatalf("first record must start at genesis, got %s", records[0].PreviousChainHash)
	}
	for i := 1; i < len(records); i++ {
		if records[i].PreviousChainHash != records[i-1].ChainHash {
			t.Fatalf("record %d not linked to its predecessor", i)
		}
	}

	v := ledger.NewVerifier(store, signer.LocalVerifier{}, 0)
	res, err := v.VerifyChain(ctx, "tenant-a", records[2].RecordID)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !res.ValidEntry || !res.Anchored || res.BreakReason != ledger.BreakNone {
		t.Fatalf("expected valid anchored chain, got %+v", res)
	}
	want := []string{records[2].RecordID, records[1].RecordID, records[0].RecordID}
	if fmt.Sprint(res.Path) != fmt.Sprint(want) || res.CheckedCount != 3 {
		t.Fatalf("unexpected path %v (checked %d)", res.Path, res.CheckedCount)
	}
}

func testTenantIsolation(t *testing.T, store ledger.Store) {
	w := newWriter(t, store)
	ctx := context.Background()

	a := MustAppend(t, w, "tenant-a", Entry("trading-prod", "req-a"))
	b := MustAppend(t, w, "tenant-b", Entry("trading-prod", "req-b"))

	if b.PreviousChainHash != ledger.GenesisHash {
		t.Fatalf("tenants must not share a lineage")
	}
	if _, err := store.GetRecord(ctx, "tenant-b", a.RecordID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
	v := ledger.NewVerifier(store, nil, 0)
	if _, err := v.VerifyChain(ctx, "tenant-b", a.RecordID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound verifying a foreign record, got %v", err)
	}
}

func testIndependentLineages(t *testing.T, store ledger.Store) {
	w := newWriter(t, store)

	first := MustAppend(t, w, "tenant-a", Entry("trading-prod", "req-1"))
	other := MustAppend(t, w, "tenant-a", Entry("trading-eu", "req-2"))
	second := MustAppend(t, w, "tenant-a", Entry("trading-prod", "req-3"))

	if other.PreviousChainHash != ledger.GenesisHash {
		t.Fatalf("a new system must start its own lineage")
	}
	if second.PreviousChainHash != first.ChainHash {
		t.Fatalf("appends to another system must not move this lineage's head")
	}
}

func testConcurrentAppends(t *testing.T, store ledger.Store) {
	w := newWriter(t, store)
	ctx := context.Background()

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		records []ledger.Record
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := w.Append(ctx, "tenant-a", Entry("trading-prod", fmt.Sprintf("req-%d", i)))
			if res.Degraded() {
				t.Errorf("append %d degraded: %v", i, res.Err)
				return
			}
			mu.Lock()
			records = append(records, res.Record)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if len(records) != n {
		t.Fatalf("expected %d records, got %d", n, len(records))
	}

	prevs := make(map[string]bool, n)
	chains := make(map[string]bool, n)
	for _, rec := range records {
		if prevs[rec.PreviousChainHash] {
			t.Fatalf("two records share predecessor %s: the chain forked", rec.PreviousChainHash)
		}
		prevs[rec.PreviousChainHash] = true
		chains[rec.ChainHash] = true
	}
	if !prevs[ledger.GenesisHash] {
		t.Fatalf("no record starts at genesis")
	}

	var tip ledger.Record
	for _, rec := range records {
		if !prevs[rec.ChainHash] {
			tip = rec
		}
	}
	v := ledger.NewVerifier(store, nil, 0)
	res, err := v.VerifyChain(ctx, "tenant-a", tip.RecordID)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if !res.Anchored || res.CheckedCount != n {
		t.Fatalf("expected one unbroken chain of %d, got anchored=%v checked=%d", n, res.Anchored, res.CheckedCount)
	}
}

func testRoundTrip(t *testing.T, store ledger.Store) {
	w := newWriter(t, store)
	ctx := context.Background()

	rec := MustAppend(t, w, "tenant-a", Entry("trading-prod", "req-rt"))
	got, err := store.GetRecord(ctx, "tenant-a", rec.RecordID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.EntryHash != rec.EntryHash || got.ChainHash != rec.ChainHash || got.CreatedAt != rec.CreatedAt ||
		string(got.CanonicalEntry) != string(rec.CanonicalEntry) || string(got.DecisionJSON) != string(rec.DecisionJSON) {
		t.Fatalf("stored record differs from appended record")
	}

	check, err := ledger.VerifyRecord(ctx, got, signer.LocalVerifier{})
	if err != nil {
		t.Fatalf("verify record: %v", err)
	}
	if !check.Checks.Valid() {
		t.Fatalf("stored record does not verify: %+v", check.Checks)
	}

	matches, err := store.FindByChainHash(ctx, rec.ChainHash)
	if err != nil {
		t.Fatalf("find by chain hash: %v", err)
	}
	if len(matches) != 1 || matches[0].RecordID != rec.RecordID {
		t.Fatalf("unexpected chain hash matches: %+v", matches)
	}
}
