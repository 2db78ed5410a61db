package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidahmann/ssi-gateway/internal/crypto"
	"github.com/davidahmann/ssi-gateway/internal/signer"
)

const DefaultMaxChainDepth = 1000

// EntryChecks are the three independent integrity checks on one record.
type EntryChecks struct {
	EntryHashMatch bool `json:"entry_hash_match"`
	SignatureValid bool `json:"signature_valid"`
	ChainValid     bool `json:"chain_valid"`
}

func (c EntryChecks) Valid() bool {
	return c.EntryHashMatch && c.SignatureValid && c.ChainValid
}

// RecordVerification carries the checks along with the recomputed hashes.
type RecordVerification struct {
	Checks            EntryChecks
	ComputedEntryHash string
	ComputedChainHash string
}

// VerifyRecord recomputes the entry hash from the stored canonical entry,
// verifies the signature over the stored entry hash and recomputes the
// chain hash. Every check runs even when an earlier one fails.
func VerifyRecord(ctx context.Context, rec Record, v signer.Verifier) (RecordVerification, error) {
	out := RecordVerification{
		ComputedEntryHash: crypto.DigestHex(rec.CanonicalEntry),
		ComputedChainHash: ChainHash(rec.PreviousChainHash, rec.EntryHash, rec.Signature),
	}
	out.Checks.EntryHashMatch = out.ComputedEntryHash == rec.EntryHash
	out.Checks.ChainValid = out.ComputedChainHash == rec.ChainHash

	ok, err := v.Verify(ctx, rec.EntryHash, rec.Signature, rec.PublicKey)
	switch {
	case errors.Is(err, signer.ErrInvalidDigest):
		ok = false
	case err != nil:
		return out, fmt.Errorf("verify signature: %w", err)
	}
	out.Checks.SignatureValid = ok
	return out, nil
}

type BreakReason string

const (
	BreakNone             BreakReason = ""
	BreakMissingPrevious  BreakReason = "MISSING_PREVIOUS"
	BreakTenantMismatch   BreakReason = "TENANT_MISMATCH"
	BreakMaxDepthExceeded BreakReason = "MAX_DEPTH_EXCEEDED"
)

// ChainVerification is the result of walking a record back to genesis.
// ValidEntry and Anchored are independent: a record can be intact while its
// history is broken, and the reverse.
type ChainVerification struct {
	Record       Record
	ValidEntry   bool
	Anchored     bool
	BreakReason  BreakReason
	CheckedCount int
	Path         []string
	EntryChecks  EntryChecks
}

type Verifier struct {
	store    Store
	verifier signer.Verifier
	maxDepth int
}

func NewVerifier(store Store, v signer.Verifier, maxDepth int) *Verifier {
	if v == nil {
		v = signer.LocalVerifier{}
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxChainDepth
	}
	return &Verifier{store: store, verifier: v, maxDepth: maxDepth}
}

// VerifyRecordByID loads a record within tenantID and checks it.
func (v *Verifier) VerifyRecordByID(ctx context.Context, tenantID, recordID string) (Record, RecordVerification, error) {
	rec, err := v.store.GetRecord(ctx, tenantID, recordID)
	if err != nil {
		return Record{}, RecordVerification{}, err
	}
	res, err := VerifyRecord(ctx, rec, v.verifier)
	if err != nil {
		return rec, res, err
	}
	return rec, res, nil
}

// VerifyChain checks the target record and then follows previous_chain_hash
// links until genesis, a missing or foreign predecessor, or the depth limit.
func (v *Verifier) VerifyChain(ctx context.Context, tenantID, recordID string) (ChainVerification, error) {
	rec, res, err := v.VerifyRecordByID(ctx, tenantID, recordID)
	if err != nil {
		return ChainVerification{}, err
	}

	out := ChainVerification{
		Record:       rec,
		ValidEntry:   res.Checks.Valid(),
		EntryChecks:  res.Checks,
		Path:         []string{rec.RecordID},
		CheckedCount: 1,
	}

	prev := rec.PreviousChainHash
	for hops := 0; ; hops++ {
		if prev == GenesisHash {
			out.Anchored = true
			return out, nil
		}
		if hops >= v.maxDepth {
			out.BreakReason = BreakMaxDepthExceeded
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		matches, err := v.store.FindByChainHash(ctx, prev)
		if err != nil {
			return out, fmt.Errorf("find predecessor: %w", err)
		}
		next, ok := sameTenant(matches, tenantID)
		if !ok {
			if len(matches) > 0 {
				out.BreakReason = BreakTenantMismatch
			} else {
				out.BreakReason = BreakMissingPrevious
			}
			return out, nil
		}

		out.Path = append(out.Path, next.RecordID)
		out.CheckedCount++
		prev = next.PreviousChainHash
	}
}

func sameTenant(records []Record, tenantID string) (Record, bool) {
	for _, rec := range records {
		if rec.TenantID == tenantID {
			return rec, true
		}
	}
	return Record{}, false
}
