// Package sqlrecords implements ledger.Store on database/sql. The sqlstore
// and pgstore packages supply the dialect and the driver.
package sqlrecords

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/davidahmann/ssi-gateway/internal/ledger"
)

var columns = []string{
	"record_id", "created_at", "tenant_id", "system_id",
	"entry_hash", "signature", "public_key",
	"previous_chain_hash", "chain_hash", "canonical_entry",
	"request_json", "decision_json", "envelope_json",
}

// Dialect describes how one SQL backend spells the record queries.
type Dialect struct {
	Table string
	// Bind returns the n-th (1-based) bind marker.
	Bind func(n int) string
	// LockLineage, if set, runs first inside every lineage transaction.
	LockLineage func(ctx context.Context, tx *sql.Tx, tenantID, systemID string) error
}

// QuestionMark binds with "?".
func QuestionMark(int) string { return "?" }

// Dollar binds with "$1", "$2", ...
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

type Store struct {
	db   *sql.DB
	lock func(ctx context.Context, tx *sql.Tx, tenantID, systemID string) error

	getSQL    string
	byHashSQL string
	headSQL   string
	insertSQL string
}

func New(db *sql.DB, d Dialect) *Store {
	cols := strings.Join(columns, ", ")
	binds := make([]string, len(columns))
	for i := range binds {
		binds[i] = d.Bind(i + 1)
	}
	return &Store{
		db:   db,
		lock: d.LockLineage,
		getSQL: fmt.Sprintf("SELECT %s FROM %s WHERE record_id = %s AND tenant_id = %s",
			cols, d.Table, d.Bind(1), d.Bind(2)),
		byHashSQL: fmt.Sprintf("SELECT %s FROM %s WHERE chain_hash = %s ORDER BY seq ASC",
			cols, d.Table, d.Bind(1)),
		headSQL: fmt.Sprintf("SELECT chain_hash FROM %s WHERE tenant_id = %s AND system_id = %s ORDER BY seq DESC LIMIT 1",
			d.Table, d.Bind(1), d.Bind(2)),
		insertSQL: fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s)",
			d.Table, cols, strings.Join(binds, ",")),
	}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// WithLineage runs fn in one transaction. Anything fn inserted is committed
// only when fn succeeds.
func (s *Store) WithLineage(ctx context.Context, tenantID, systemID string, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if s.lock != nil {
		if err := s.lock(ctx, tx, tenantID, systemID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("lock lineage %s/%s: %w", tenantID, systemID, err)
		}
	}
	if err := fn(&lineageTx{store: s, tx: tx, tenantID: tenantID, systemID: systemID}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) GetRecord(ctx context.Context, tenantID, recordID string) (ledger.Record, error) {
	rec, err := scan(s.db.QueryRowContext(ctx, s.getSQL, recordID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, ledger.ErrNotFound
	}
	return rec, err
}

func (s *Store) FindByChainHash(ctx context.Context, chainHash string) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.byHashSQL, chainHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type lineageTx struct {
	store    *Store
	tx       *sql.Tx
	tenantID string
	systemID string
}

func (t *lineageTx) Head(ctx context.Context) (string, error) {
	var head string
	err := t.tx.QueryRowContext(ctx, t.store.headSQL, t.tenantID, t.systemID).Scan(&head)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ledger.GenesisHash, nil
	case err != nil:
		return "", err
	}
	return head, nil
}

func (t *lineageTx) Insert(ctx context.Context, rec ledger.Record) error {
	if err := checkLineage(rec, t.tenantID, t.systemID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, t.store.insertSQL,
		rec.RecordID, rec.CreatedAt, rec.TenantID, rec.SystemID,
		rec.EntryHash, rec.Signature, rec.PublicKey,
		rec.PreviousChainHash, rec.ChainHash, rec.CanonicalEntry,
		string(rec.RequestJSON), string(rec.DecisionJSON), string(rec.EnvelopeJSON),
	)
	return err
}

func checkLineage(rec ledger.Record, tenantID, systemID string) error {
	if rec.TenantID != tenantID || rec.SystemID != systemID {
		return fmt.Errorf("record %s belongs to %s/%s, not lineage %s/%s",
			rec.RecordID, rec.TenantID, rec.SystemID, tenantID, systemID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// JSON columns are TEXT on both backends so they stay readable from psql
// and the sqlite shell.
func scan(row rowScanner) (ledger.Record, error) {
	var (
		rec                         ledger.Record
		request, decision, envelope string
	)
	err := row.Scan(
		&rec.RecordID, &rec.CreatedAt, &rec.TenantID, &rec.SystemID,
		&rec.EntryHash, &rec.Signature, &rec.PublicKey,
		&rec.PreviousChainHash, &rec.ChainHash, &rec.CanonicalEntry,
		&request, &decision, &envelope,
	)
	if err != nil {
		return ledger.Record{}, err
	}
	rec.RequestJSON, rec.DecisionJSON, rec.EnvelopeJSON = []byte(request), []byte(decision), []byte(envelope)
	return rec, nil
}
