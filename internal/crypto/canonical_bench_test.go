package crypto

import (
	"encoding/json"
	"testing"
)

// Shape of a ledger entry: request, decision and envelope nested under
// the record fields.
func BenchmarkCanonicalizeAuditEntry(b *testing.B) {
	entry := map[string]any{
		"record_id":           "7d9f0c6e-1c1b-4b8e-9a51-0f7b5b0b2d11",
		"created_at":          "2026-01-02T03:04:05.000000Z",
		"previous_chain_hash": "0000000000000000000000000000000000000000000000000000000000000000",
		"request": map[string]any{
			"request_id": "req-1",
			"system_id":  "trading-prod",
			"action": map[string]any{
				"type":    "trade.order.place",
				"payload": map[string]any{"notional": json.Number("15000.25"), "symbol": "ACME"},
			},
		},
		"decision": map[string]any{
			"decision": "DENY",
			"reason":   "Order notional 15000.25 exceeds max allowed 10000",
			"details": map[string]any{
				"rules_evaluated": []any{"max-notional-10k"},
				"rules_triggered": []any{"max-notional-10k"},
			},
		},
		"envelope": map[string]any{"envelope_id": "trading-safety", "version": "1.0.0"},
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Canonicalize(entry); err != nil {
			b.Fatalf("canonicalize: %v", err)
		}
	}
}
