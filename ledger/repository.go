package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"trustledger/apperr"
	"trustledger/db"
)

const referenceConstraint = "escrow_transactions_reference_key"

const accountColumns = `
    a.id::text, a.user_id, a.provider, a.external_id, a.status, a.currency_code,
    a.current_balance::text, a.pending_release_total::text, a.metadata,
    a.last_reconciled_at, a.created_at, a.updated_at`

const transactionColumns = `
    t.id::text, t.account_id::text, t.reference, t.external_id, t.type, t.status,
    t.amount::text, t.currency_code, t.fee_amount::text, t.net_amount::text,
    t.initiated_by_id, t.counterparty_id, t.project_id, t.gig_id, t.milestone_label,
    t.scheduled_release_at, t.released_at, t.refunded_at, t.cancelled_at,
    t.metadata, t.audit_trail, t.created_at, t.updated_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) InsertAccount(ctx context.Context, tx pgx.Tx, acct Account) (Account, error) {
	metadata, err := marshalMetadata(acct.Metadata)
	if err != nil {
		return Account{}, err
	}
	q := `
INSERT INTO escrow_accounts AS a (id, user_id, provider, external_id, status, currency_code, metadata, created_at, updated_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7::jsonb, $8, $8)
RETURNING` + accountColumns

	out, err := scanAccount(tx.QueryRow(ctx, q,
		acct.ID, acct.OwnerID, acct.Provider, acct.ExternalID, acct.Status, acct.CurrencyCode, metadata, acct.CreatedAt))
	if err != nil {
		return Account{}, fmt.Errorf("ledger: insert account: %w", apperr.Classify(err, nil))
	}
	return out, nil
}

// LockAccount loads the account row with FOR UPDATE.
func (r *Repository) LockAccount(ctx context.Context, tx pgx.Tx, id string) (Account, error) {
	q := `SELECT` + accountColumns + ` FROM escrow_accounts a WHERE a.id = $1::uuid FOR UPDATE`
	acct, err := scanAccount(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("ledger: lock account: %w", err)
	}
	return acct, nil
}

func (r *Repository) GetAccount(ctx context.Context, q db.Querier, id string) (Account, error) {
	query := `SELECT` + accountColumns + ` FROM escrow_accounts a WHERE a.id = $1::uuid`
	acct, err := scanAccount(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("ledger: get account: %w", err)
	}
	return acct, nil
}

func (r *Repository) UpdateAccountStatus(ctx context.Context, tx pgx.Tx, id string, status AccountStatus, at time.Time) error {
	const q = `UPDATE escrow_accounts SET status = $1, updated_at = $2 WHERE id = $3::uuid`
	if _, err := tx.Exec(ctx, q, status, at, id); err != nil {
		return fmt.Errorf("ledger: update account status: %w", apperr.Classify(err, nil))
	}
	return nil
}

func (r *Repository) UpdateBalances(ctx context.Context, tx pgx.Tx, u BalanceUpdate) error {
	const q = `
UPDATE escrow_accounts
SET current_balance = $1::numeric,
    pending_release_total = $2::numeric,
    updated_at = $3
WHERE id = $4::uuid`
	if _, err := tx.Exec(ctx, q, u.CurrentBalance.String(), u.PendingReleaseTotal.String(), u.At, u.AccountID); err != nil {
		return fmt.Errorf("ledger: update balances: %w", apperr.Classify(err, nil))
	}
	return nil
}

func (r *Repository) InsertTransaction(ctx context.Context, tx pgx.Tx, txn Transaction) (Transaction, error) {
	metadata, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return Transaction{}, err
	}
	q := `
INSERT INTO escrow_transactions AS t (
    id, account_id, reference, external_id, type, status, amount, currency_code,
    fee_amount, net_amount, initiated_by_id, counterparty_id, project_id, gig_id,
    milestone_label, scheduled_release_at, metadata, audit_trail, created_at, updated_at)
VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7::numeric, $8, $9::numeric, $10::numeric,
        $11, $12, $13, $14, $15, $16, $17::jsonb, '[]'::jsonb, $18, $18)
RETURNING` + transactionColumns

	out, err := scanTransaction(tx.QueryRow(ctx, q,
		txn.ID, txn.AccountID, txn.Reference, txn.ExternalID, txn.Type, txn.Status,
		txn.Amount.String(), txn.CurrencyCode, txn.FeeAmount.String(), txn.NetAmount.String(),
		txn.InitiatedByID, txn.CounterpartyID, txn.ProjectID, txn.GigID, txn.MilestoneLabel,
		txn.ScheduledReleaseAt, metadata, txn.CreatedAt))
	if err != nil {
		if apperr.IsUniqueViolation(err, referenceConstraint) {
			return Transaction{}, ErrDuplicateReference
		}
		return Transaction{}, fmt.Errorf("ledger: insert transaction: %w", apperr.Classify(err, nil))
	}
	return out, nil
}

// LockTransaction loads the transaction row with FOR UPDATE.
func (r *Repository) LockTransaction(ctx context.Context, tx pgx.Tx, id string) (Transaction, error) {
	q := `SELECT` + transactionColumns + ` FROM escrow_transactions t WHERE t.id = $1::uuid FOR UPDATE`
	txn, err := scanTransaction(tx.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, fmt.Errorf("ledger: lock transaction: %w", err)
	}
	return txn, nil
}

func (r *Repository) GetTransaction(ctx context.Context, q db.Querier, id string) (Transaction, error) {
	query := `SELECT` + transactionColumns + ` FROM escrow_transactions t WHERE t.id = $1::uuid`
	txn, err := scanTransaction(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, fmt.Errorf("ledger: get transaction: %w", err)
	}
	return txn, nil
}

// UpdateStatus writes the new status, stamps the terminal timestamp and
// appends the chained audit entry.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, u StatusUpdate) error {
	entry, err := json.Marshal([]AuditEntry{u.Entry})
	if err != nil {
		return fmt.Errorf("ledger: marshal audit entry: %w", err)
	}
	const q = `
UPDATE escrow_transactions
SET status = $1,
    released_at  = CASE WHEN $1 = 'released'  THEN $2 ELSE released_at END,
    refunded_at  = CASE WHEN $1 = 'refunded'  THEN $2 ELSE refunded_at END,
    cancelled_at = CASE WHEN $1 = 'cancelled' THEN $2 ELSE cancelled_at END,
    audit_trail  = audit_trail || $3::jsonb,
    updated_at   = $2
WHERE id = $4::uuid`
	tag, err := tx.Exec(ctx, q, string(u.Status), u.At, entry, u.TransactionID)
	if err != nil {
		return fmt.Errorf("ledger: update transaction status: %w", apperr.Classify(err, nil))
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// ListEligibleForDispute returns the owner's funded or in-escrow transactions
// that have no case other than closed ones.
func (r *Repository) ListEligibleForDispute(ctx context.Context, q db.Querier, ownerID string) ([]Transaction, error) {
	query := `
SELECT` + transactionColumns + `
FROM escrow_transactions t
JOIN escrow_accounts a ON a.id = t.account_id
WHERE a.user_id = $1
  AND t.status IN ('funded', 'in_escrow')
  AND NOT EXISTS (
      SELECT 1 FROM dispute_cases c
      WHERE c.escrow_transaction_id = t.id AND c.status <> 'closed')
ORDER BY t.created_at DESC`
	rows, err := q.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list eligible: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 8)
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		out = append(out, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate transactions: %w", err)
	}
	return out, nil
}

// ReconciliationCandidates lists active or suspended accounts never reconciled
// or last reconciled before staleBefore, oldest first.
func (r *Repository) ReconciliationCandidates(ctx context.Context, q db.Querier, staleBefore time.Time, limit int) ([]Account, error) {
	query := `
SELECT` + accountColumns + `
FROM escrow_accounts a
WHERE a.status IN ('active', 'suspended')
  AND (a.last_reconciled_at IS NULL OR a.last_reconciled_at < $1)
ORDER BY a.last_reconciled_at ASC NULLS FIRST, a.created_at ASC
LIMIT $2`
	rows, err := q.Query(ctx, query, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: reconciliation candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Account, 0, limit)
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan account: %w", err)
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate accounts: %w", err)
	}
	return out, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a                Account
		current, pending string
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Provider, &a.ExternalID, &a.Status, &a.CurrencyCode,
		&current, &pending, &a.Metadata, &a.LastReconciledAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	var err error
	if a.CurrentBalance, err = decimal.NewFromString(current); err != nil {
		return Account{}, fmt.Errorf("parse current_balance: %w", err)
	}
	if a.PendingReleaseTotal, err = decimal.NewFromString(pending); err != nil {
		return Account{}, fmt.Errorf("parse pending_release_total: %w", err)
	}
	return a, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t                Transaction
		amount, fee, net string
	)
	if err := row.Scan(&t.ID, &t.AccountID, &t.Reference, &t.ExternalID, &t.Type, &t.Status,
		&amount, &t.CurrencyCode, &fee, &net,
		&t.InitiatedByID, &t.CounterpartyID, &t.ProjectID, &t.GigID, &t.MilestoneLabel,
		&t.ScheduledReleaseAt, &t.ReleasedAt, &t.RefundedAt, &t.CancelledAt,
		&t.Metadata, &t.AuditTrail, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if t.FeeAmount, err = decimal.NewFromString(fee); err != nil {
		return Transaction{}, fmt.Errorf("parse fee_amount: %w", err)
	}
	if t.NetAmount, err = decimal.NewFromString(net); err != nil {
		return Transaction{}, fmt.Errorf("parse net_amount: %w", err)
	}
	return t, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal metadata: %w", err)
	}
	return b, nil
}
