// Package pgstore keeps audit records in PostgreSQL through lib/pq.
package pgstore

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/davidahmann/ssi-gateway/internal/ledger/sqlrecords"
)

// Store serialises each lineage with a transaction-scoped advisory lock, so
// gateway replicas sharing the database read the head one at a time.
type Store struct {
	*sqlrecords.Store
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{sqlrecords.New(db, sqlrecords.Dialect{
		Table:       "ssi_audit_records",
		Bind:        sqlrecords.Dollar,
		LockLineage: advisoryLock,
	})}
}

func advisoryLock(ctx context.Context, tx *sql.Tx, tenantID, systemID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID+":"+systemID)
	return err
}
