// Package sqlstore keeps audit records in SQLite.
package sqlstore

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/ssi-gateway/internal/ledger/sqlrecords"
)

// Store relies on the single open connection for lineage exclusivity:
// transactions on one connection never interleave.
type Store struct {
	*sqlrecords.Store
}

// OpenSQLite opens dsn with one connection, which also keeps a
// "mode=memory" database from splitting across connections.
func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{sqlrecords.New(db, sqlrecords.Dialect{
		Table: "audit_records",
		Bind:  sqlrecords.QuestionMark,
	})}
}
