package repository

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFS embed.FS

type migration struct {
	version    string
	statements []string
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := migrationFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := migrationFS.ReadFile(dir + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, migration{version: strings.TrimSuffix(name, ".sql"), statements: splitStatements(string(data))})
	}
	return out, nil
}

// splitStatements splits on semicolons; migration files hold plain DDL only.
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		var lines []string
		for _, l := range strings.Split(stmt, "\n") {
			if t := strings.TrimSpace(l); t != "" && !strings.HasPrefix(t, "--") {
				lines = append(lines, l)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, "\n"))
		}
	}
	return out
}

// Migrate applies pending migrations for the active dialect in one transaction.
func (d *DB) Migrate(ctx context.Context) error {
	dir := "migrations/postgres"
	if d.dialect == dialect.SQLite {
		dir = "migrations/sqlite"
	}
	migrations, err := loadMigrations(dir)
	if err != nil {
		return err
	}

	applied := 0
	err = withTx(ctx, d.x, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}
		for _, m := range migrations {
			q, args := d.sql().Select(entsql.Count("*")).From(d.sql().Table("schema_migrations")).
				Where(entsql.EQ("version", m.version)).Query()
			var count int
			if err := tx.GetContext(ctx, &count, q, args...); err != nil {
				return fmt.Errorf("scan migration version: %w", err)
			}
			if count > 0 {
				continue
			}
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("apply migration %s: %w", m.version, err)
				}
			}
			q, args = d.sql().Insert("schema_migrations").Columns("version").Values(m.version).Query()
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("record migration %s: %w", m.version, err)
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.logger.Info("database migrated", "dialect", d.dialect, "applied", applied, "known", len(migrations))
	return nil
}
