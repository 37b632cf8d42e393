package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{name: "single", sql: "CREATE TABLE t (id Int32)", want: []string{"CREATE TABLE t (id Int32)"}},
		{name: "two", sql: "SELECT 1; SELECT 2", want: []string{"SELECT 1", "SELECT 2"}},
		{name: "semicolon in string", sql: "INSERT INTO t VALUES ('a; b')", want: []string{"INSERT INTO t VALUES ('a; b')"}},
		{name: "escaped quote", sql: "SELECT 'it''s; fine'; SELECT 2", want: []string{"SELECT 'it''s; fine'", "SELECT 2"}},
		{name: "trailing semicolon", sql: "SELECT 1;", want: []string{"SELECT 1"}},
		{name: "whitespace", sql: " \n\t ", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if len(got) != len(tt.want) {
				t.Fatalf("splitStatements() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitStatements()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestIsCommentOnly(t *testing.T) {
	if !isCommentOnly("-- one\n  -- two\n") {
		t.Error("isCommentOnly() = false for comments")
	}
	if isCommentOnly("-- header\nCREATE TABLE t (id Int32)") {
		t.Error("isCommentOnly() = true for a statement with a header comment")
	}
}

func TestLoadMigrations(t *testing.T) {
	files := fstest.MapFS{
		"migrations/002_second.sql": {Data: []byte("SELECT 2")},
		"migrations/001_first.sql":  {Data: []byte("SELECT 1")},
		"migrations/README.md":      {Data: []byte("docs")},
		"migrations/bad_name.sql":   {Data: []byte("SELECT 0")},
	}

	got, err := loadMigrations(files)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loadMigrations() = %d migrations, want 2", len(got))
	}
	if got[0].Version != 1 || got[0].Name != "first" || got[1].Version != 2 {
		t.Errorf("loadMigrations() = %+v", got)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := loadMigrations(migrationFiles)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	tables := map[string]bool{}
	for _, m := range got {
		for _, stmt := range splitStatements(m.SQL) {
			if i := strings.Index(stmt, "CREATE TABLE IF NOT EXISTS "); i >= 0 {
				name := strings.Fields(stmt[i+len("CREATE TABLE IF NOT EXISTS "):])[0]
				tables[name] = true
			}
		}
	}
	for _, want := range []string{"alerts", "alert_audit"} {
		if !tables[want] {
			t.Errorf("embedded migrations do not create %s", want)
		}
	}
}

type fakeExec struct {
	execs    []string
	queryErr error
}

func (f *fakeExec) Exec(_ context.Context, query string, _ ...any) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeExec) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) {
	return nil, f.queryErr
}

func TestMigratorRunStopsOnQueryError(t *testing.T) {
	f := &fakeExec{queryErr: errors.New("table is locked")}
	m := NewMigrator(f)

	n, err := m.Run(context.Background())
	if err == nil || n != 0 {
		t.Fatalf("Run() = %d, %v; want error", n, err)
	}
	if len(f.execs) != 1 || !strings.Contains(f.execs[0], "schema_migrations") {
		t.Errorf("Run() executed %q, want only the tracking table", f.execs)
	}
}
