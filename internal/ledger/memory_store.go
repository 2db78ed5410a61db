package ledger

import (
	"context"
	"fmt"
	"sync"
)

type InMemoryStore struct {
	mu sync.Mutex

	records map[string]Record
	order   []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) WithLineage(ctx context.Context, tenantID, systemID string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s, tenantID: tenantID, systemID: systemID}
	if err := fn(tx); err != nil {
		return err
	}
	for _, rec := range tx.pending {
		s.records[rec.RecordID] = rec
		s.order = append(s.order, rec.RecordID)
	}
	return nil
}

func (s *InMemoryStore) GetRecord(_ context.Context, tenantID, recordID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok || rec.TenantID != tenantID {
		return Record{}, ErrNotFound
	}
	return rec.clone(), nil
}

func (s *InMemoryStore) FindByChainHash(_ context.Context, chainHash string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, id := range s.order {
		if rec, ok := s.records[id]; ok && rec.ChainHash == chainHash {
			out = append(out, rec.clone())
		}
	}
	return out, nil
}

// Tamper rewrites a stored record in place. It exists to exercise tamper
// detection and is never called by the gateway.
func (s *InMemoryStore) Tamper(recordID string, fn func(*Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return false
	}
	fn(&rec)
	s.records[recordID] = rec
	return true
}

// Delete removes a stored record. Like Tamper it only serves tests of
// chain verification.
func (s *InMemoryStore) Delete(recordID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[recordID]; !ok {
		return false
	}
	delete(s.records, recordID)
	for i, id := range s.order {
		if id == recordID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

type memTx struct {
	store    *InMemoryStore
	tenantID string
	systemID string
	pending  []Record
}

func (t *memTx) Head(context.Context) (string, error) {
	if n := len(t.pending); n > 0 {
		return t.pending[n-1].ChainHash, nil
	}
	for i := len(t.store.order) - 1; i >= 0; i-- {
		rec := t.store.records[t.store.order[i]]
		if rec.TenantID == t.tenantID && rec.SystemID == t.systemID {
			return rec.ChainHash, nil
		}
	}
	return GenesisHash, nil
}

func (t *memTx) Insert(_ context.Context, rec Record) error {
	if rec.TenantID != t.tenantID || rec.SystemID != t.systemID {
		return fmt.Errorf("record %s does not belong to lineage %s/%s", rec.RecordID, t.tenantID, t.systemID)
	}
	if _, exists := t.store.records[rec.RecordID]; exists {
		return fmt.Errorf("record %s already exists", rec.RecordID)
	}
	t.pending = append(t.pending, rec.clone())
	return nil
}
