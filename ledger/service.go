// Package ledger tracks escrow accounts and transactions. Balances move only
// through status transitions, each recorded in the transaction's audit trail.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"trustledger/apperr"
	"trustledger/db"
	"trustledger/logging"
	"trustledger/metrics"
	"trustledger/outbox"
)

// Store is the persistence the service depends on.
type Store interface {
	InsertAccount(ctx context.Context, tx pgx.Tx, acct Account) (Account, error)
	LockAccount(ctx context.Context, tx pgx.Tx, id string) (Account, error)
	GetAccount(ctx context.Context, q db.Querier, id string) (Account, error)
	UpdateAccountStatus(ctx context.Context, tx pgx.Tx, id string, status AccountStatus, at time.Time) error
	UpdateBalances(ctx context.Context, tx pgx.Tx, u BalanceUpdate) error
	InsertTransaction(ctx context.Context, tx pgx.Tx, txn Transaction) (Transaction, error)
	LockTransaction(ctx context.Context, tx pgx.Tx, id string) (Transaction, error)
	GetTransaction(ctx context.Context, q db.Querier, id string) (Transaction, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, u StatusUpdate) error
	ListEligibleForDispute(ctx context.Context, q db.Querier, ownerID string) ([]Transaction, error)
	ReconciliationCandidates(ctx context.Context, q db.Querier, staleBefore time.Time, limit int) ([]Account, error)
}

type Service struct {
	pool        db.Pool
	repo        Store
	outbox      outbox.Writer
	log         *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	idGenerator func() string
}

func NewService(pool db.Pool, repo Store, out outbox.Writer, log *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if out == nil {
		out = outbox.NewWriter()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		outbox:      out,
		log:         logging.OrNop(log),
		now:         time.Now,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) CreateAccount(ctx context.Context, params CreateAccountParams) (Account, error) {
	if strings.TrimSpace(params.OwnerID) == "" {
		return Account{}, apperr.Validationf("ledger: missing owner id")
	}
	if strings.TrimSpace(params.Provider) == "" {
		return Account{}, apperr.Validationf("ledger: missing provider")
	}
	currency := strings.ToUpper(strings.TrimSpace(params.CurrencyCode))
	if !ValidCurrency(currency) {
		return Account{}, apperr.Validationf("ledger: invalid currency code %q", params.CurrencyCode)
	}

	acct := Account{
		ID:           s.idGenerator(),
		OwnerID:      params.OwnerID,
		Provider:     params.Provider,
		ExternalID:   params.ExternalID,
		Status:       AccountPending,
		CurrencyCode: currency,
		Metadata:     params.Metadata,
		CreatedAt:    s.timestamp(),
	}

	var created Account
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		created, err = s.repo.InsertAccount(ctx, tx, acct)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	s.log.Info("escrow account created",
		zap.String("account_id", created.ID),
		zap.String("owner_id", created.OwnerID),
		zap.String("currency", created.CurrencyCode))
	return created, nil
}

// SetAccountStatus moves an account through pending, active, suspended and
// closed. Closing requires both balances to be zero.
func (s *Service) SetAccountStatus(ctx context.Context, accountID string, status AccountStatus) (Account, error) {
	var out Account
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		acct, err := s.repo.LockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if !CanTransitionAccount(acct.Status, status) {
			return fmt.Errorf("%s -> %s: %w", acct.Status, status, ErrInvalidAccountTransition)
		}
		if status == AccountClosed && (!acct.CurrentBalance.IsZero() || !acct.PendingReleaseTotal.IsZero()) {
			return ErrAccountNotEmpty
		}
		at := s.timestamp()
		if err := s.repo.UpdateAccountStatus(ctx, tx, acct.ID, status, at); err != nil {
			return err
		}
		acct.Status = status
		acct.UpdatedAt = at
		out = acct
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.log.Info("escrow account status changed",
		zap.String("account_id", out.ID),
		zap.String("status", string(out.Status)))
	return out, nil
}

func (s *Service) CreateTransaction(ctx context.Context, params CreateTransactionParams) (Transaction, error) {
	if !params.Type.Valid() {
		return Transaction{}, apperr.Validationf("ledger: unknown transaction type %q", params.Type)
	}
	net, err := SplitAmount(params.Amount, params.FeeAmount)
	if err != nil {
		return Transaction{}, err
	}
	if params.InitiatedByID == "" || params.CounterpartyID == "" {
		return Transaction{}, apperr.Validationf("ledger: initiator and counterparty required")
	}
	reference := params.Reference
	if reference == "" {
		reference = "esc_" + uuid.NewString()
	}

	var created Transaction
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		acct, err := s.repo.LockAccount(ctx, tx, params.AccountID)
		if err != nil {
			return err
		}
		if acct.Status != AccountActive {
			return ErrAccountNotActive
		}
		now := s.timestamp()
		created, err = s.repo.InsertTransaction(ctx, tx, Transaction{
			ID:                 s.idGenerator(),
			AccountID:          acct.ID,
			Reference:          reference,
			ExternalID:         params.ExternalID,
			Type:               params.Type,
			Status:             StatusInitiated,
			Amount:             params.Amount,
			CurrencyCode:       acct.CurrencyCode,
			FeeAmount:          params.FeeAmount,
			NetAmount:          net,
			InitiatedByID:      params.InitiatedByID,
			CounterpartyID:     params.CounterpartyID,
			ProjectID:          params.ProjectID,
			GigID:              params.GigID,
			MilestoneLabel:     params.MilestoneLabel,
			ScheduledReleaseAt: params.ScheduledReleaseAt,
			Metadata:           params.Metadata,
			CreatedAt:          now,
		})
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	s.log.Info("escrow transaction created",
		zap.String("transaction_id", created.ID),
		zap.String("reference", created.Reference),
		zap.String("amount", created.Amount.String()))
	return created, nil
}

// Transition moves a transaction along the status graph in its own unit of
// work. Edges into or out of disputed are rejected here; dispute cases drive
// them through TransitionTx.
func (s *Service) Transition(ctx context.Context, params TransitionParams) (Transaction, error) {
	if params.Target == StatusDisputed {
		return Transaction{}, fmt.Errorf("-> %s: %w", params.Target, ErrDisputeManaged)
	}
	var out Transaction
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = s.transition(ctx, tx, params, false)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

// TransitionTx performs the transition inside a caller-owned transaction.
// Locks are taken transaction first, then account.
func (s *Service) TransitionTx(ctx context.Context, tx pgx.Tx, params TransitionParams) (Transaction, error) {
	return s.transition(ctx, tx, params, true)
}

func (s *Service) transition(ctx context.Context, tx pgx.Tx, params TransitionParams, disputeEdges bool) (Transaction, error) {
	if !params.Target.Valid() {
		return Transaction{}, apperr.Validationf("ledger: unknown status %q", params.Target)
	}
	txn, err := s.repo.LockTransaction(ctx, tx, params.TransactionID)
	if err != nil {
		return Transaction{}, err
	}
	from := txn.Status
	if !CanTransition(from, params.Target) {
		return Transaction{}, fmt.Errorf("%s -> %s: %w", from, params.Target, ErrInvalidTransition)
	}
	if !disputeEdges && touchesDispute(from, params.Target) {
		return Transaction{}, fmt.Errorf("%s -> %s: %w", from, params.Target, ErrDisputeManaged)
	}

	acct, err := s.repo.LockAccount(ctx, tx, txn.AccountID)
	if err != nil {
		return Transaction{}, err
	}
	current, pending, err := NextBalances(acct, txn, params.Target)
	if err != nil {
		return Transaction{}, err
	}

	at := s.timestamp()
	entry := ChainEntry(txn.AuditTrail, AuditEntry{
		From:      from,
		To:        params.Target,
		ActorID:   params.Actor.ID,
		ActorType: params.Actor.Type,
		Reason:    params.Reason,
		At:        at,
	})
	if err := s.repo.UpdateStatus(ctx, tx, StatusUpdate{
		TransactionID: txn.ID,
		Status:        params.Target,
		Entry:         entry,
		At:            at,
	}); err != nil {
		return Transaction{}, err
	}

	if !current.Equal(acct.CurrentBalance) || !pending.Equal(acct.PendingReleaseTotal) {
		if err := s.repo.UpdateBalances(ctx, tx, BalanceUpdate{
			AccountID:           acct.ID,
			CurrentBalance:      current,
			PendingReleaseTotal: pending,
			At:                  at,
		}); err != nil {
			return Transaction{}, err
		}
	}

	if err := s.outbox.Enqueue(ctx, tx, outbox.TransactionTopic(string(params.Target)), map[string]any{
		"transaction_id": txn.ID,
		"account_id":     acct.ID,
		"reference":      txn.Reference,
		"previous":       string(from),
		"next":           string(params.Target),
		"amount":         txn.Amount.String(),
		"actor_id":       params.Actor.ID,
	}); err != nil {
		return Transaction{}, err
	}

	txn.Status = params.Target
	txn.AuditTrail = append(txn.AuditTrail, entry)
	txn.UpdatedAt = at
	switch params.Target {
	case StatusReleased:
		txn.ReleasedAt = &at
	case StatusRefunded:
		txn.RefundedAt = &at
	case StatusCancelled:
		txn.CancelledAt = &at
	}

	s.metrics.ObserveTransition(string(from), string(params.Target))
	s.log.Info("escrow transaction transitioned",
		zap.String("transaction_id", txn.ID),
		zap.String("from", string(from)),
		zap.String("to", string(params.Target)),
		zap.String("actor_id", params.Actor.ID))
	return txn, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	return s.repo.GetTransaction(ctx, s.pool, id)
}

func (s *Service) GetAccount(ctx context.Context, id string) (Account, error) {
	return s.repo.GetAccount(ctx, s.pool, id)
}

func (s *Service) ListEligibleForDispute(ctx context.Context, ownerID string) ([]Transaction, error) {
	return s.repo.ListEligibleForDispute(ctx, s.pool, ownerID)
}

// ReconciliationCandidates is a read only; reconciliation itself is external.
func (s *Service) ReconciliationCandidates(ctx context.Context, staleBefore time.Time, limit int) ([]Account, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ReconciliationCandidates(ctx, s.pool, staleBefore, limit)
}
