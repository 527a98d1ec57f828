package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"

	"trustledger/dbtest"
)

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	pool := &dbtest.FakePool{}

	if err := WithTx(context.Background(), pool, func(tx pgx.Tx) error { return nil }); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !pool.Tx.Committed {
		t.Errorf("expected commit to be called")
	}
}

func TestWithTx_RollsBackAndKeepsError(t *testing.T) {
	pool := &dbtest.FakePool{}
	sentinel := errors.New("ledger rejected")

	err := WithTx(context.Background(), pool, func(tx pgx.Tx) error { return sentinel })
	if err != sentinel {
		t.Fatalf("expected the original error unchanged, got %v", err)
	}
	if pool.Tx.Committed {
		t.Errorf("expected commit to be skipped")
	}
	if !pool.Tx.RolledBack {
		t.Errorf("expected rollback to be called")
	}
}

func TestWithTx_BeginFailure(t *testing.T) {
	pool := &dbtest.FakePool{BeginErr: errors.New("pool exhausted")}

	called := false
	err := WithTx(context.Background(), pool, func(tx pgx.Tx) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected begin failure to surface")
	}
	if called {
		t.Fatal("fn must not run without a transaction")
	}
}
