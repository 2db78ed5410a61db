package pgkeys

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/davidahmann/ssi-gateway/internal/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRows struct {
	data   [][]any
	i      int
	err    error
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.i-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *bool:
			*p = row[i].(bool)
		case **time.Time:
			if row[i] == nil {
				*p = nil
			} else {
				v := row[i].(time.Time)
				*p = &v
			}
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

type fakeDB struct {
	rows     *fakeRows
	queryErr error
	execErr  error
	sql      string
	args     []any
}

func (f *fakeDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.sql, f.args = sql, args
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestCandidates(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := &fakeRows{data: [][]any{
		{"k1", "$2a$hash", "ssi_live_abc", "tenant-a", "viewer", true, nil},
		{"k2", "$2a$other", "ssi_live_abc", "tenant-b", "admin", true, exp},
	}}
	db := &fakeDB{rows: rows}
	s := &Store{DB: db}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err := s.Candidates(context.Background(), "ssi_live_abc", now)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].Role != auth.RoleViewer || got[0].ExpiresAt != nil || got[1].ExpiresAt == nil || !got[1].ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if !rows.closed {
		t.Fatalf("rows must be closed")
	}
	if !strings.Contains(db.sql, "key_prefix = $1") || db.args[0] != "ssi_live_abc" || db.args[1] != now {
		t.Fatalf("unexpected query: %s %v", db.sql, db.args)
	}
}

func TestCandidatesErrors(t *testing.T) {
	s := &Store{DB: &fakeDB{queryErr: errors.New("conn refused")}}
	if _, err := s.Candidates(context.Background(), "p", time.Now()); err == nil {
		t.Fatalf("expected query error")
	}

	s = &Store{DB: &fakeDB{rows: &fakeRows{err: errors.New("stream reset")}}}
	if _, err := s.Candidates(context.Background(), "p", time.Now()); err == nil {
		t.Fatalf("expected rows error")
	}
}

func TestInsertValidatesRole(t *testing.T) {
	db := &fakeDB{}
	s := &Store{DB: db}
	if err := s.Insert(context.Background(), auth.KeyRecord{KeyID: "k", Role: "root"}); err == nil {
		t.Fatalf("expected role error")
	}
	if err := s.Insert(context.Background(), auth.KeyRecord{KeyID: "k", KeyHash: "h", KeyPrefix: "p", TenantID: "t", Role: auth.RoleAdmin, Active: true}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !strings.Contains(db.sql, "INSERT INTO ssi_api_keys") || db.args[4] != "admin" {
		t.Fatalf("unexpected insert: %s %v", db.sql, db.args)
	}
}

func TestOpenRejectsBadDSN(t *testing.T) {
	if _, err := Open(context.Background(), "::not a dsn::"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestEnsureSchema(t *testing.T) {
	db := &fakeDB{}
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if !strings.Contains(db.sql, "CREATE TABLE IF NOT EXISTS ssi_api_keys") || !strings.Contains(db.sql, "ssi_api_keys_prefix_idx") {
		t.Fatalf("unexpected schema statement: %s", db.sql)
	}

	if err := EnsureSchema(context.Background(), &fakeDB{execErr: errors.New("permission denied")}); err == nil {
		t.Fatalf("expected schema error")
	}
}
