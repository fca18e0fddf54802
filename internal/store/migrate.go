package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const upSuffix = ".up.sql"

// ApplyMigrations runs every pending migration without logging.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	_, err := ApplyMigrationsLogged(ctx, db, migrationsDir, zap.NewNop())
	return err
}

// ApplyMigrationsLogged runs pending *.up.sql files in lexical order, one
// transaction each, and returns the versions it applied. A version is the
// file name, recorded in schema_migrations.
func ApplyMigrationsLogged(ctx context.Context, db *sql.DB, migrationsDir string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}

	versions, err := pendingCandidates(migrationsDir)
	if err != nil {
		return nil, err
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0, len(versions))
	for _, version := range versions {
		if done[version] {
			continue
		}
		if err := applyMigration(ctx, db, filepath.Join(migrationsDir, version), version); err != nil {
			return applied, err
		}
		applied = append(applied, version)
		logger.Info("migration applied", zap.String("version", version))
	}
	if len(applied) == 0 {
		logger.Debug("schema is up to date", zap.Int("migrations", len(versions)))
	}
	return applied, nil
}

func pendingCandidates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var versions []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), upSuffix) {
			versions = append(versions, entry.Name())
		}
	}
	sort.Strings(versions)
	return versions, nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	done := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		done[version] = true
	}
	return done, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, path, version string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", version, err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}
