package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// TestMigrationsUpDownUp needs a disposable database; the public schema is
// dropped first.
func TestMigrationsUpDownUp(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("HANDBOOK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("HANDBOOK_TEST_DATABASE_URL is not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	dir := filepath.Join("..", "..", "db", "migrations")
	want, err := pendingCandidates(dir)
	if err != nil {
		t.Fatalf("pendingCandidates() error = %v", err)
	}

	applied, err := ApplyMigrationsLogged(ctx, db, dir, nil)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(applied) != len(want) {
		t.Fatalf("first pass applied %v, want %v", applied, want)
	}

	again, err := ApplyMigrationsLogged(ctx, db, dir, nil)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second pass applied %v, want nothing", again)
	}

	downs := make([]string, 0, len(want))
	for _, up := range want {
		downs = append(downs, strings.TrimSuffix(up, upSuffix)+".down.sql")
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, down := range downs {
		body, err := os.ReadFile(filepath.Join(dir, down))
		if err != nil {
			t.Fatalf("read %s: %v", down, err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			t.Fatalf("apply %s: %v", down, err)
		}
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}

	if err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("reapply after down: %v", err)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
