package ledger

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBMemory   DBDriver = "memory"
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

var errNoDB = errors.New("migrate: nil db")

// ParseDriver maps a configured driver name onto a DBDriver. Empty means
// the in-memory store.
func ParseDriver(name string) (DBDriver, error) {
	switch d := DBDriver(strings.ToLower(strings.TrimSpace(name))); d {
	case "":
		return DBMemory, nil
	case DBMemory, DBSQLite, DBPostgres:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported db driver: %s", name)
	}
}

// dialect holds what differs between the SQL backends when tracking schema
// versions.
type dialect struct {
	dir        string
	table      string
	appliedCol string
	insert     string
	stamp      func(time.Time) any
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir:        "migrations/sqlite",
		table:      "schema_migrations",
		appliedCol: "TEXT",
		insert:     "INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING",
		stamp:      func(t time.Time) any { return t.Format(time.RFC3339) },
	},
	DBPostgres: {
		dir:        "migrations/postgres",
		table:      "ssi_schema_migrations",
		appliedCol: "TIMESTAMPTZ",
		insert:     "INSERT INTO ssi_schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING",
		stamp:      func(t time.Time) any { return t },
	},
}

func dialectFor(driver DBDriver) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("no migrations for db driver: %s", driver)
	}
	return d, nil
}

// Migrate applies the embedded schema files for driver in name order. Each
// file runs in its own transaction together with its version row, so a
// second run skips everything already applied.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return errNoDB
	}
	d, err := dialectFor(driver)
	if err != nil {
		return err
	}
	versions, err := d.versions()
	if err != nil {
		return err
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  version TEXT PRIMARY KEY,\n  applied_at %s NOT NULL\n)", d.table, d.appliedCol)
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("create %s: %w", d.table, err)
	}

	for _, version := range versions {
		if err := d.apply(db, version, time.Now().UTC()); err != nil {
			return fmt.Errorf("migration %s: %w", version, err)
		}
	}
	return nil
}

// versions lists the migration names (file names without .sql), sorted.
func (d dialect) versions() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, d.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".sql"); ok && !e.IsDir() {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (d dialect) apply(db *sql.DB, version string, now time.Time) error {
	body, err := migrationsFS.ReadFile(path.Join(d.dir, version+".sql"))
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(d.insert, version, d.stamp(now))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return nil
	}
	if _, err := tx.Exec(string(body)); err != nil {
		return err
	}
	return tx.Commit()
}
