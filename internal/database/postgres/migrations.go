package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/kozaktomas/face-tagger/internal/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockKey serializes schema changes between processes sharing a database.
const migrationLockKey = 0x66616365

type migration struct {
	version string
	sql     string
}

// loadMigrations returns the embedded migrations ordered by file name.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	slices.Sort(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(body)) == "" {
			continue
		}
		out = append(out, migration{version: path.Base(name), sql: string(body)})
	}
	return out, nil
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations. Each one runs in its own transaction holding an
// advisory lock, so workers starting together apply it once.
func (p *Pool) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return err
	}

	log := logger.Named("postgres")
	for _, m := range migrations {
		applied, err := p.applyMigration(ctx, m)
		if err != nil {
			return err
		}
		if applied {
			log.Info().Str("migration", m.version).Msg("applied migration")
		}
	}
	return nil
}

func (p *Pool) applyMigration(ctx context.Context, m migration) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("migration %s: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
		return false, fmt.Errorf("migration %s: locking: %w", m.version, err)
	}

	var seen string
	err = tx.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = $1", m.version).Scan(&seen)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("migration %s: %w", m.version, err)
	}

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return false, fmt.Errorf("migration %s: %w", m.version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
		return false, fmt.Errorf("migration %s: recording: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("migration %s: commit: %w", m.version, err)
	}
	return true, nil
}
