package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"trustledger/dispute"
	"trustledger/ledger"
	"trustledger/outbox"
	"trustledger/test/actors"
	"trustledger/test/chaos"
	"trustledger/test/infra"
	"trustledger/test/oracles"
)

var (
	flStress      = flag.Bool("stress", false, "run the escrow stress test")
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of parties, each with its own actors")
	flChaos       = flag.Bool("chaos", false, "terminate random backends while running")
	flLocalPG     = flag.Bool("local-pg", false, "recreate a scratch database on 127.0.0.1:5432 instead of using Docker")
)

func TestEscrowConcurrency(t *testing.T) {
	if !*flStress {
		t.Skip("pass -stress to run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	pool := openPool(t, ctx)

	out := outbox.NewWriter()
	ledgerSvc := ledger.NewService(pool, nil, out, nil)
	env := actors.Env{
		Pool:     pool,
		Ledger:   ledgerSvc,
		Disputes: dispute.NewService(pool, nil, ledgerSvc, out, nil),
		Tolerant: *flChaos,
		Stats:    &actors.Stats{},
	}

	parties := make([]actors.Party, 0, *flConcurrency)
	for i := 0; i < *flConcurrency; i++ {
		parties = append(parties, mustSeedParty(t, ctx, ledgerSvc, i))
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	for i, party := range parties {
		g.Go(func() error { return actors.Funder(gctx, env, party, stop) })
		g.Go(func() error { return actors.Disputer(gctx, env, party, stop) })
		// two disputers per party race for the same transactions
		g.Go(func() error { return actors.Disputer(gctx, env, party, stop) })
		mediatorID := fmt.Sprintf("mediator-%d", i)
		g.Go(func() error { return actors.Mediator(gctx, env, mediatorID, stop) })
	}
	g.Go(func() error { return actors.Escalator(gctx, env, time.Second, stop) })
	g.Go(func() error { return actors.OutboxWorker(gctx, env, stop) })
	kills := make(chan int, 1)
	if *flChaos {
		go func() { kills <- chaos.TerminateRandomBackend(gctx, pool, "", 2*time.Second, stop) }()
	} else {
		kills <- 0
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	failure := ""
loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			if name, row := runOracles(t, gctx, pool); name != "" {
				failure = fmt.Sprintf("oracle %s failed. first row: %s", name, row)
				break loop
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v", err)
	}
	if failure == "" {
		// final pass after every actor has stopped
		if name, row := runOracles(t, ctx, pool); name != "" {
			failure = fmt.Sprintf("oracle %s failed after shutdown. first row: %s", name, row)
		}
	}
	if failure != "" {
		dumpRecent(t, ctx, pool)
		t.Fatal(failure)
	}

	s := env.Stats
	t.Logf("funded=%d opened=%d settled=%d rejected=%d escalated=%d processed=%d transients=%d kills=%d",
		s.Funded.Load(), s.Opened.Load(), s.Settled.Load(), s.Rejected.Load(),
		s.Escalated.Load(), s.Processed.Load(), s.Transients.Load(), <-kills)
	if s.Funded.Load() == 0 {
		t.Fatalf("no transaction was funded; the run exercised nothing")
	}
}

func openPool(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	if *flLocalPG {
		dsn, err := infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Fatalf("init local database: %v", err)
		}
		pool, teardown, err := infra.ApplyMigrations(ctx, dsn, false, 64)
		if err != nil {
			t.Fatalf("apply migrations: %v", err)
		}
		t.Cleanup(func() {
			pool.Close()
			_ = teardown(context.Background())
		})
		return pool
	}
	if infra.SharedDSN() == "" && !infra.DockerAvailable(ctx) {
		t.Skipf("no database: set %s, run Docker or pass -local-pg", infra.SharedDSNEnv)
	}
	h, err := infra.NewHarness(ctx, 64)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h.Pool()
}

func mustSeedParty(t *testing.T, ctx context.Context, svc *ledger.Service, i int) actors.Party {
	t.Helper()
	party := actors.Party{
		CustomerID: fmt.Sprintf("customer-%d-%d", i, rand.Int63()),
		ProviderID: fmt.Sprintf("provider-%d-%d", i, rand.Int63()),
	}
	acct, err := svc.CreateAccount(ctx, ledger.CreateAccountParams{
		OwnerID:      party.CustomerID,
		Provider:     "stripe",
		CurrencyCode: "USD",
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := svc.SetAccountStatus(ctx, acct.ID, ledger.AccountActive); err != nil {
		t.Fatalf("activate account: %v", err)
	}
	party.AccountID = acct.ID
	return party
}

func runOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool) (string, string) {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", ""
		}
		if *flChaos {
			t.Logf("oracle query interrupted: %v", err)
			return "", ""
		}
		t.Fatalf("oracle error: %v", err)
	}
	return name, row
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"escrow_transactions", `SELECT id, account_id, status, amount, net_amount, updated_at FROM escrow_transactions ORDER BY updated_at DESC LIMIT 30`},
		{"dispute_cases", `SELECT id, escrow_transaction_id, stage, status, resolved_at FROM dispute_cases ORDER BY updated_at DESC LIMIT 30`},
		{"dispute_events", `SELECT dispute_case_id, actor_type, action_type, event_at FROM dispute_events ORDER BY seq DESC LIMIT 30`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 30`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
