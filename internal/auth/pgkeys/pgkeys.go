// Package pgkeys looks up API keys in the ssi_api_keys table.
package pgkeys

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is idempotent; Open applies it on every start.
//
//go:embed schema.sql
var schema string

type keysDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct {
	DB keysDB
}

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	pingTimeout          = 5 * time.Second
)

// Open connects a small pool and makes sure the key table exists. Key
// lookups are short and infrequent compared to audit writes, and the key
// database may be separate from the ledger's.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxPoolNewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping api key database: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates ssi_api_keys and its prefix index when missing.
func EnsureSchema(ctx context.Context, db keysDB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create api key schema: %w", err)
	}
	return nil
}

func (s *Store) Candidates(ctx context.Context, prefix string, now time.Time) ([]auth.KeyRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT key_id, key_hash, key_prefix, tenant_id, role, is_active, expires_at
		FROM ssi_api_keys
		WHERE key_prefix = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
	`, prefix, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanKey)
}

func scanKey(row pgx.CollectableRow) (auth.KeyRecord, error) {
	var (
		rec  auth.KeyRecord
		role string
	)
	if err := row.Scan(&rec.KeyID, &rec.KeyHash, &rec.KeyPrefix, &rec.TenantID, &role, &rec.Active, &rec.ExpiresAt); err != nil {
		return auth.KeyRecord{}, err
	}
	rec.Role = auth.Role(role)
	return rec, nil
}

// Insert provisions a key record.
func (s *Store) Insert(ctx context.Context, rec auth.KeyRecord) error {
	if _, ok := auth.ParseRole(string(rec.Role)); !ok {
		return fmt.Errorf("unknown role %q", rec.Role)
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO ssi_api_keys (key_id, key_hash, key_prefix, tenant_id, role, is_active, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rec.KeyID, rec.KeyHash, rec.KeyPrefix, rec.TenantID, string(rec.Role), rec.Active, rec.ExpiresAt)
	return err
}
