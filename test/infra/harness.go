package infra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// mutableTables lists every table Reset clears, children first.
var mutableTables = []string{
	"outbox",
	"dispute_events",
	"dispute_cases",
	"escrow_transactions",
	"escrow_accounts",
}

// Harness owns a migrated database for integration tests.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness migrates the shared database when one is configured, in a
// private schema, and otherwise boots a Postgres 16 container.
func NewHarness(ctx context.Context, maxConns int32) (*Harness, error) {
	h := &Harness{}
	isolate := true
	h.dsn = SharedDSN()
	if h.dsn == "" {
		isolate = false
		c, dsn, err := StartPostgres16(ctx)
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container, h.dsn = c, dsn
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, isolate, maxConns)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

// Open returns a harness for t, or skips t when no database can be reached.
func Open(t testing.TB) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if SharedDSN() == "" && !DockerAvailable(ctx) {
		t.Skipf("set %s or DATABASE_URL, or run a Docker daemon", SharedDSNEnv)
	}
	h, err := NewHarness(ctx, 16)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections, e.g. chaos.
func (h *Harness) DSN() string {
	return h.dsn
}

func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables to give the next test a clean slate.
func (h *Harness) Reset(ctx context.Context) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range mutableTables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}
