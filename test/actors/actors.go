package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"trustledger/apperr"
	"trustledger/authz"
	"trustledger/dispute"
	"trustledger/ledger"
	"trustledger/sla"
)

// Env is what every actor shares.
type Env struct {
	Pool     *pgxpool.Pool
	Ledger   *ledger.Service
	Disputes *dispute.Service
	// Tolerant makes actors count non-domain failures instead of stopping;
	// set while chaos kills backends.
	Tolerant bool
	Stats    *Stats
}

// Stats counts outcomes across actors.
type Stats struct {
	Funded     atomic.Int64
	Opened     atomic.Int64
	Rejected   atomic.Int64
	Settled    atomic.Int64
	Escalated  atomic.Int64
	Processed  atomic.Int64
	Transients atomic.Int64
}

// Party is one marketplace account owner with a counterparty.
type Party struct {
	AccountID  string
	CustomerID string
	ProviderID string
}

func (e Env) check(err error) error {
	switch {
	case err == nil:
		return nil
	case apperr.IsDomain(err):
		e.Stats.Rejected.Add(1)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case e.Tolerant:
		e.Stats.Transients.Add(1)
		return nil
	}
	return err
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// Funder creates escrow transactions for party and pushes them through
// funding, occasionally releasing or cancelling them directly.
func Funder(ctx context.Context, env Env, party Party, stop <-chan struct{}) error {
	actor := ledger.Actor{ID: "payments", Type: string(authz.ActorSystem)}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		amount := decimal.New(int64(1000+rand.Intn(90000)), -2)
		fee := amount.Mul(decimal.RequireFromString("0.05")).Round(2)
		txn, err := env.Ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
			AccountID:      party.AccountID,
			Type:           ledger.TypeGig,
			Amount:         amount,
			FeeAmount:      fee,
			InitiatedByID:  party.CustomerID,
			CounterpartyID: party.ProviderID,
		})
		if err := env.check(err); err != nil {
			return fmt.Errorf("funder create: %w", err)
		}
		if err == nil {
			for _, target := range fundingPath() {
				_, err := env.Ledger.Transition(ctx, ledger.TransitionParams{
					TransactionID: txn.ID,
					Target:        target,
					Actor:         actor,
					Reason:        "stress",
				})
				if err != nil {
					if err := env.check(err); err != nil {
						return fmt.Errorf("funder transition %s: %w", target, err)
					}
					break
				}
				if target == ledger.StatusFunded {
					env.Stats.Funded.Add(1)
				}
				pause(5, 20)
			}
		}
		pause(20, 40)
	}
}

func fundingPath() []ledger.TransactionStatus {
	path := []ledger.TransactionStatus{ledger.StatusFunded}
	switch rand.Intn(4) {
	case 0:
		return path
	case 1:
		return append(path, ledger.StatusInEscrow)
	case 2:
		return append(path, ledger.StatusInEscrow, ledger.StatusReleased)
	default:
		return append(path, ledger.StatusInEscrow, ledger.StatusCancelled)
	}
}

// Disputer races to open cases on whatever the customer can dispute.
func Disputer(ctx context.Context, env Env, party Party, stop <-chan struct{}) error {
	p := authz.Principal{UserID: party.CustomerID, ActorType: authz.ActorCustomer}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		eligible, err := env.Ledger.ListEligibleForDispute(ctx, party.CustomerID)
		if err := env.check(err); err != nil {
			return fmt.Errorf("disputer list: %w", err)
		}
		if len(eligible) > 0 {
			target := eligible[rand.Intn(len(eligible))]
			deadline := time.Now().Add(time.Duration(rand.Intn(3)-1) * time.Hour)
			_, err := env.Disputes.OpenCase(ctx, p, dispute.OpenCaseParams{
				TransactionID:      target.ID,
				ReasonCode:         "not_delivered",
				CustomerDeadlineAt: &deadline,
			})
			if err == nil {
				env.Stats.Opened.Add(1)
			} else if err := env.check(err); err != nil {
				return fmt.Errorf("disputer open: %w", err)
			}
		}
		pause(30, 50)
	}
}

// Mediator works active cases: comments, advances stages and settles with a
// random money resolution.
func Mediator(ctx context.Context, env Env, mediatorID string, stop <-chan struct{}) error {
	p := authz.Principal{UserID: mediatorID, ActorType: authz.ActorMediator}
	resolutions := []dispute.Resolution{dispute.ResolutionRelease, dispute.ResolutionRefund, dispute.ResolutionHold}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		cases, err := env.Disputes.ListActive(ctx, 50)
		if err := env.check(err); err != nil {
			return fmt.Errorf("mediator list: %w", err)
		}
		if len(cases) > 0 {
			c := cases[rand.Intn(len(cases))]
			in := mediatorMove(c, resolutions[rand.Intn(len(resolutions))])
			_, _, err := env.Disputes.AppendEvent(ctx, p, c.ID, in)
			if err == nil && in.TransactionResolution != nil {
				env.Stats.Settled.Add(1)
			} else if err := env.check(err); err != nil {
				return fmt.Errorf("mediator append %s: %w", in.ActionType, err)
			}
		}
		pause(30, 50)
	}
}

func mediatorMove(c dispute.Case, resolution dispute.Resolution) dispute.EventInput {
	switch rand.Intn(3) {
	case 0:
		notes := "looking into it"
		return dispute.EventInput{ActionType: dispute.ActionComment, Notes: &notes}
	case 1:
		if next, ok := c.Stage.Next(); ok && next != dispute.StageResolved {
			return dispute.EventInput{ActionType: dispute.ActionStageAdvanced, Stage: &next}
		}
	}
	settled := dispute.StatusSettled
	return dispute.EventInput{
		ActionType:            dispute.ActionStatusChange,
		Status:                &settled,
		TransactionResolution: &resolution,
	}
}

// Escalator runs SLA sweeps on an interval.
func Escalator(ctx context.Context, env Env, interval time.Duration, stop <-chan struct{}) error {
	esc := sla.NewEscalator(env.Disputes, env.Disputes, 100, nil)
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		res, err := esc.Sweep(ctx)
		if err := env.check(err); err != nil {
			return fmt.Errorf("escalator sweep: %w", err)
		}
		env.Stats.Escalated.Add(int64(res.Escalated))
		time.Sleep(interval)
	}
}

// OutboxWorker plays the external relay: it claims pending messages with
// SKIP LOCKED and marks them processed, failing one in ten.
func OutboxWorker(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		tx, err := env.Pool.Begin(ctx)
		if err != nil {
			if err := env.check(err); err != nil {
				return err
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id::text FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1::uuid`, id)
				continue
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1::uuid`, id); err == nil {
				env.Stats.Processed.Add(1)
			}
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
