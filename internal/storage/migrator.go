package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one embedded SQL file, named NNN_name.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// execQuerier is the part of a ClickHouse connection the migrator needs.
type execQuerier interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// Migrator applies the embedded schema migrations in version order.
type Migrator struct {
	client execQuerier
	files  fs.FS
}

// NewMigrator creates a Migrator over the embedded migrations.
func NewMigrator(client execQuerier) *Migrator {
	return &Migrator{client: client, files: migrationFiles}
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version UInt32,
		name String,
		applied_at DateTime DEFAULT now()
	)
	ENGINE = MergeTree()
	ORDER BY version`

// Run applies every migration not yet recorded in schema_migrations and
// returns how many were applied.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	if err := m.client.Exec(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations(m.files)
	if err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, fmt.Errorf("read applied migrations: %w", err)
	}

	n := 0
	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		slog.Info("applying migration", "version", mig.Version, "name", mig.Name)

		for _, stmt := range splitStatements(mig.SQL) {
			if isCommentOnly(stmt) {
				continue
			}
			if err := m.client.Exec(ctx, stmt); err != nil {
				return n, &StorageError{
					Op:  "Migrate",
					Err: fmt.Errorf("%w: %03d_%s: %v", ErrMigrationFailed, mig.Version, mig.Name, err),
				}
			}
		}

		if err := m.client.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			uint32(mig.Version), mig.Name,
		); err != nil {
			return n, fmt.Errorf("record migration %d: %w", mig.Version, err)
		}
		n++
	}
	return n, nil
}

// Applied returns the set of applied migration versions.
func (m *Migrator) Applied(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[int(version)] = true
	}
	return applied, rows.Err()
}

func loadMigrations(files fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(files, "migrations")
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, entry := range entries {
		base, ok := strings.CutSuffix(entry.Name(), ".sql")
		if !ok {
			continue
		}
		prefix, name, ok := strings.Cut(base, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		data, err := fs.ReadFile(files, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func isCommentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// splitStatements splits SQL on semicolons outside quoted strings.
func splitStatements(sql string) []string {
	var (
		out     []string
		current strings.Builder
		quote   rune
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			out = append(out, stmt)
		}
		current.Reset()
	}

	for _, r := range sql {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';':
			flush()
			continue
		}
		current.WriteRune(r)
	}
	flush()
	return out
}
