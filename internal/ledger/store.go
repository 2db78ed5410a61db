package ledger

import (
	"context"
	"errors"
)

// GenesisHash is the previous_chain_hash of the first record in a lineage.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// TimeLayout is fixed width so created_at sorts lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

var ErrNotFound = errors.New("audit record not found")

// Store persists audit records. Records are append-only.
type Store interface {
	// WithLineage runs fn with exclusive access to the head of the
	// (tenantID, systemID) lineage. Records inserted through the Tx are
	// committed only if fn returns nil.
	WithLineage(ctx context.Context, tenantID, systemID string, fn func(Tx) error) error

	// GetRecord returns a record only when it belongs to tenantID.
	GetRecord(ctx context.Context, tenantID, recordID string) (Record, error)

	// FindByChainHash returns every record, in any tenant, whose chain hash
	// equals chainHash.
	FindByChainHash(ctx context.Context, chainHash string) ([]Record, error)
}

type Tx interface {
	// Head returns the chain hash of the newest record in the lineage, or
	// GenesisHash when the lineage is empty.
	Head(ctx context.Context) (string, error)
	Insert(ctx context.Context, rec Record) error
}

type Record struct {
	RecordID          string
	CreatedAt         string
	TenantID          string
	SystemID          string
	EntryHash         string
	Signature         string
	PublicKey         string
	PreviousChainHash string
	ChainHash         string
	CanonicalEntry    []byte
	RequestJSON       []byte
	DecisionJSON      []byte
	EnvelopeJSON      []byte
}

func (r Record) clone() Record {
	r.CanonicalEntry = append([]byte(nil), r.CanonicalEntry...)
	r.RequestJSON = append([]byte(nil), r.RequestJSON...)
	r.DecisionJSON = append([]byte(nil), r.DecisionJSON...)
	r.EnvelopeJSON = append([]byte(nil), r.EnvelopeJSON...)
	return r
}
