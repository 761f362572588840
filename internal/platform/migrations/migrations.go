// Package migrations embeds and applies the runtime's core schema DDL, and
// gates startup on the schema_migrations ledger per XYN_AUTO_CREATE_SCHEMA.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// IDs returns the embedded migration ids (file names without the .sql
// suffix) in lexical application order.
func IDs() ([]string, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".sql") {
			names = append(names, strings.TrimSuffix(name, ".sql"))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Apply executes every embedded SQL migration file in lexical order and
// records each id in the schema_migrations ledger. Idempotent: each
// statement uses IF NOT EXISTS guards and the ledger insert no-ops on
// conflict.
func Apply(ctx context.Context, db *sql.DB) error {
	ids, err := IDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		sqlBytes, err := files.ReadFile(id + ".sql")
		if err != nil {
			return fmt.Errorf("read migration %s: %w", id, err)
		}
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", id, err)
		}
		if id == "0001_schema_migrations" {
			// the ledger table itself was just created by this migration
			continue
		}
		if _, err := db.ExecContext(ctx,
			`insert into schema_migrations (id) values ($1) on conflict (id) do nothing`, id,
		); err != nil {
			return fmt.Errorf("record migration %s: %w", id, err)
		}
	}
	return nil
}

// AppliedIDs returns the set of migration ids present in the ledger.
func AppliedIDs(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `select id from schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

// Preflight enforces XYN_AUTO_CREATE_SCHEMA / XYN_REQUIRED_MIGRATIONS: when
// autoCreate is true, Apply is expected to have already run (or will run)
// and no further check is made. When false, startup refuses to proceed
// unless every id in required is already present in the ledger.
func Preflight(ctx context.Context, db *sql.DB, autoCreate bool, required []string) error {
	if autoCreate {
		return nil
	}
	if len(required) == 0 {
		return nil
	}
	applied, err := AppliedIDs(ctx, db)
	if err != nil {
		return err
	}
	var missing []string
	for _, id := range required {
		if !applied[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required migrations not applied: %s", strings.Join(missing, ", "))
	}
	return nil
}
