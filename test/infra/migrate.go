package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trustledger/db"
)

// migration is one numbered SQL file from the repository's migrations dir.
type migration struct {
	name string
	sql  string
}

func migrationsRoot() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("infra: cannot locate migrations")
	}
	dir := filepath.Join(filepath.Dir(file), "..", "..", "migrations")
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("infra: migrations dir: %w", err)
	}
	return dir, nil
}

func loadMigrations(dir string) ([]migration, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("infra: list migrations: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("infra: no migrations in %s", dir)
	}
	sort.Strings(paths)

	out := make([]migration, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("infra: read %s: %w", filepath.Base(p), err)
		}
		out = append(out, migration{name: filepath.Base(p), sql: string(data)})
	}
	return out, nil
}

// isolatedSchema creates a throwaway schema and points every pool connection
// at it. The returned func drops it.
func isolatedSchema(ctx context.Context, dsn string, cfg *pgxpool.Config) (func(context.Context) error, error) {
	ident := pgx.Identifier{fmt.Sprintf("trustledger_run_%d", time.Now().UnixNano())}.Sanitize()

	exec := func(ctx context.Context, stmt string) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return fmt.Errorf("infra: connect: %w", err)
		}
		defer conn.Close(ctx)
		_, err = conn.Exec(ctx, stmt)
		return err
	}

	if err := exec(ctx, "CREATE SCHEMA "+ident); err != nil {
		return nil, fmt.Errorf("infra: create schema %s: %w", ident, err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET search_path TO "+ident)
		return err
	}
	return func(ctx context.Context) error {
		return exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
	}, nil
}

// ApplyMigrations opens a pool on dsn and applies the repository migrations,
// each in its own transaction. With isolate set they land in a fresh schema
// that the returned func drops.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool, maxConns int32) (*pgxpool.Pool, func(context.Context) error, error) {
	dir, err := migrationsRoot()
	if err != nil {
		return nil, nil, err
	}
	migrations, err := loadMigrations(dir)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("infra: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	drop := func(context.Context) error { return nil }
	if isolate {
		if drop, err = isolatedSchema(ctx, dsn, cfg); err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		_ = drop(ctx)
		return nil, nil, fmt.Errorf("infra: open pool: %w", err)
	}

	for _, m := range migrations {
		err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, m.sql)
			return err
		})
		if err != nil {
			pool.Close()
			_ = drop(ctx)
			return nil, nil, fmt.Errorf("infra: apply %s: %w", m.name, err)
		}
	}
	return pool, drop, nil
}
