package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"attest/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	m := &migrator{DB: pool, Dir: "migrations", Logf: log.Printf}
	if err := m.Run(ctx); err != nil {
		logFatalf("migration: %v", err)
	}
}

// migrator applies the *.sql files in Dir in lexical order, recording each
// applied file in schema_migrations so reruns are no-ops.
type migrator struct {
	DB  migrationDB
	Dir string

	ReadFile func(name string) ([]byte, error)
	Glob     func(pattern string) ([]string, error)
	Logf     func(format string, args ...any)
}

func (m *migrator) Run(ctx context.Context) error {
	if m.DB == nil {
		return fmt.Errorf("db required")
	}
	if m.ReadFile == nil {
		// #nosec G304 -- migration file paths are validated by resolveMigrationPath before read.
		m.ReadFile = os.ReadFile
	}
	if m.Glob == nil {
		m.Glob = filepath.Glob
	}
	if m.Logf == nil {
		m.Logf = log.Printf
	}

	if _, err := m.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := filepath.Clean(m.Dir)
	files, err := m.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		path, err := resolveMigrationPath(dir, file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %s", file)
		}
		done, err := m.recorded(ctx, filepath.Base(path))
		if err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if done {
			continue
		}
		if err := m.applyFile(ctx, path); err != nil {
			return err
		}
		m.Logf("applied migration %s", filepath.Base(path))
		applied++
	}

	m.Logf("schema up to date: %d files, %d applied", len(files), applied)
	return nil
}

func (m *migrator) recorded(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := m.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists)
	return exists, err
}

func (m *migrator) applyFile(ctx context.Context, path string) error {
	sqlBytes, err := m.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", path, err)
	}
	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, filepath.Base(path)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", path, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", path, err)
	}
	return nil
}

func resolveMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	if !strings.HasPrefix(cleanFile, cleanDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}
