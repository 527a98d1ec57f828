package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"trustledger/apperr"
	"trustledger/authz"
	"trustledger/db"
)

const activeCaseIndex = "dispute_cases_one_active"

const caseColumns = `
    c.id::text, c.escrow_transaction_id::text, c.opened_by_id, c.assigned_to_id,
    c.stage, c.status, c.priority, c.reason_code, c.summary,
    c.customer_deadline_at, c.provider_deadline_at, c.resolution_notes,
    c.opened_at, c.resolved_at, c.metadata, c.created_at, c.updated_at`

const eventColumns = `
    e.id::text, e.dispute_case_id::text, e.actor_id, e.actor_type, e.action_type,
    e.notes, e.evidence_key, e.evidence_url, e.evidence_file_name, e.evidence_content_type,
    e.event_at, e.metadata, e.created_at, e.updated_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// scope restricts rows to the transactions the principal is a party to.
// Customers own the account or initiated the transaction; providers are the
// counterparty. Privileged actors see everything.
func scope(p authz.Principal, args []any) (string, []any) {
	switch p.ActorType {
	case authz.ActorCustomer:
		args = append(args, p.UserID)
		n := strconv.Itoa(len(args))
		return "(a.user_id = $" + n + " OR t.initiated_by_id = $" + n + ")", args
	case authz.ActorProvider:
		args = append(args, p.UserID)
		return "t.counterparty_id = $" + strconv.Itoa(len(args)), args
	}
	if p.ActorType.Privileged() {
		return "TRUE", args
	}
	return "FALSE", args
}

// LockTransaction locks the escrow transaction row the case will be opened
// against. Transactions outside the principal's scope are reported as missing.
func (r *Repository) LockTransaction(ctx context.Context, tx pgx.Tx, p authz.Principal, transactionID string) (TransactionRef, error) {
	where, args := scope(p, []any{transactionID})
	q := `
SELECT t.id::text, t.status, a.user_id, t.initiated_by_id, t.counterparty_id
FROM escrow_transactions t
JOIN escrow_accounts a ON a.id = t.account_id
WHERE t.id = $1::uuid AND ` + where + `
FOR UPDATE OF t`

	var ref TransactionRef
	err := tx.QueryRow(ctx, q, args...).Scan(&ref.ID, &ref.Status, &ref.AccountOwnerID, &ref.InitiatedByID, &ref.CounterpartyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransactionRef{}, ErrTransactionNotFound
		}
		return TransactionRef{}, fmt.Errorf("dispute: lock transaction: %w", err)
	}
	return ref, nil
}

func (r *Repository) HasActiveCase(ctx context.Context, tx pgx.Tx, transactionID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM dispute_cases WHERE escrow_transaction_id = $1::uuid AND status <> 'closed')`
	var exists bool
	if err := tx.QueryRow(ctx, q, transactionID).Scan(&exists); err != nil {
		return false, fmt.Errorf("dispute: check active case: %w", err)
	}
	return exists, nil
}

func (r *Repository) InsertCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	metadata, err := marshalMetadata(c.Metadata)
	if err != nil {
		return Case{}, err
	}
	q := `
INSERT INTO dispute_cases AS c (
    id, escrow_transaction_id, opened_by_id, assigned_to_id, stage, status, priority,
    reason_code, summary, customer_deadline_at, provider_deadline_at, opened_at,
    metadata, created_at, updated_at)
VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $12, $12)
RETURNING` + caseColumns

	out, err := scanCase(tx.QueryRow(ctx, q,
		c.ID, c.EscrowTransactionID, c.OpenedByID, c.AssignedToID, c.Stage, c.Status, c.Priority,
		c.ReasonCode, c.Summary, c.CustomerDeadlineAt, c.ProviderDeadlineAt, c.OpenedAt, metadata))
	if err != nil {
		if apperr.IsUniqueViolation(err, activeCaseIndex) {
			return Case{}, ErrActiveCaseExists
		}
		return Case{}, fmt.Errorf("dispute: insert case: %w", apperr.Classify(err, nil))
	}
	return out, nil
}

// LockCase loads the case with FOR UPDATE on the case row only, together with
// the linked transaction as seen by the principal.
func (r *Repository) LockCase(ctx context.Context, tx pgx.Tx, p authz.Principal, caseID string) (Case, TransactionRef, error) {
	where, args := scope(p, []any{caseID})
	q := `
SELECT` + caseColumns + `,
    t.id::text, t.status, a.user_id, t.initiated_by_id, t.counterparty_id
FROM dispute_cases c
JOIN escrow_transactions t ON t.id = c.escrow_transaction_id
JOIN escrow_accounts a ON a.id = t.account_id
WHERE c.id = $1::uuid AND ` + where + `
FOR UPDATE OF c`

	var (
		c   Case
		ref TransactionRef
	)
	row := tx.QueryRow(ctx, q, args...)
	err := row.Scan(append(caseDest(&c), &ref.ID, &ref.Status, &ref.AccountOwnerID, &ref.InitiatedByID, &ref.CounterpartyID)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, TransactionRef{}, ErrCaseNotFound
		}
		return Case{}, TransactionRef{}, fmt.Errorf("dispute: lock case: %w", err)
	}
	return c, ref, nil
}

func (r *Repository) InsertEvent(ctx context.Context, tx pgx.Tx, e Event) (Event, error) {
	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return Event{}, err
	}
	q := `
INSERT INTO dispute_events AS e (
    id, dispute_case_id, actor_id, actor_type, action_type, notes, evidence_key,
    evidence_url, evidence_file_name, evidence_content_type, event_at, metadata,
    created_at, updated_at)
VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $11, $11)
RETURNING` + eventColumns

	out, err := scanEvent(tx.QueryRow(ctx, q,
		e.ID, e.DisputeCaseID, e.ActorID, e.ActorType, e.ActionType, e.Notes, e.EvidenceKey,
		e.EvidenceURL, e.EvidenceFileName, e.EvidenceContentType, e.EventAt, metadata))
	if err != nil {
		return Event{}, fmt.Errorf("dispute: insert event: %w", apperr.Classify(err, nil))
	}
	return out, nil
}

// UpdateCase writes the derived snapshot fields.
func (r *Repository) UpdateCase(ctx context.Context, tx pgx.Tx, c Case) error {
	metadata, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}
	const q = `
UPDATE dispute_cases
SET assigned_to_id = $1,
    stage = $2,
    status = $3,
    priority = $4,
    customer_deadline_at = $5,
    provider_deadline_at = $6,
    resolution_notes = $7,
    resolved_at = $8,
    metadata = $9::jsonb,
    updated_at = $10
WHERE id = $11::uuid`
	tag, err := tx.Exec(ctx, q,
		c.AssignedToID, c.Stage, c.Status, c.Priority, c.CustomerDeadlineAt, c.ProviderDeadlineAt,
		c.ResolutionNotes, c.ResolvedAt, metadata, c.UpdatedAt, c.ID)
	if err != nil {
		if apperr.IsUniqueViolation(err, activeCaseIndex) {
			return ErrActiveCaseExists
		}
		return fmt.Errorf("dispute: update case: %w", apperr.Classify(err, nil))
	}
	if tag.RowsAffected() == 0 {
		return ErrCaseNotFound
	}
	return nil
}

func (r *Repository) GetCase(ctx context.Context, q db.Querier, p authz.Principal, caseID string) (Case, error) {
	where, args := scope(p, []any{caseID})
	query := `
SELECT` + caseColumns + `
FROM dispute_cases c
JOIN escrow_transactions t ON t.id = c.escrow_transaction_id
JOIN escrow_accounts a ON a.id = t.account_id
WHERE c.id = $1::uuid AND ` + where

	c, err := scanCase(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("dispute: get case: %w", err)
	}
	return c, nil
}

func (r *Repository) ListEvents(ctx context.Context, q db.Querier, caseID string) ([]Event, error) {
	query := `SELECT` + eventColumns + `
FROM dispute_events e
WHERE e.dispute_case_id = $1::uuid
ORDER BY e.event_at ASC, e.seq ASC`
	rows, err := q.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate events: %w", err)
	}
	return out, nil
}

// ListForOwner returns cases on transactions whose account belongs to
// ownerID, optionally filtered by status, newest first.
func (r *Repository) ListForOwner(ctx context.Context, q db.Querier, ownerID string, statuses []Status) ([]Case, error) {
	query := `
SELECT` + caseColumns + `
FROM dispute_cases c
JOIN escrow_transactions t ON t.id = c.escrow_transaction_id
JOIN escrow_accounts a ON a.id = t.account_id
WHERE a.user_id = $1`
	args := []any{ownerID}
	if len(statuses) > 0 {
		filter := make([]string, len(statuses))
		for i, s := range statuses {
			filter[i] = string(s)
		}
		query += " AND c.status = ANY($2)"
		args = append(args, filter)
	}
	query += " ORDER BY c.opened_at DESC"
	return r.queryCases(ctx, q, query, args...)
}

// ListActive returns cases that are neither settled nor closed, oldest first.
func (r *Repository) ListActive(ctx context.Context, q db.Querier, limit int) ([]Case, error) {
	query := `
SELECT` + caseColumns + `
FROM dispute_cases c
WHERE c.status NOT IN ('settled', 'closed')
ORDER BY c.opened_at ASC
LIMIT $1`
	return r.queryCases(ctx, q, query, limit)
}

// LatestEvents returns the most recent event per case, read from the event
// log rather than the cached snapshot.
func (r *Repository) LatestEvents(ctx context.Context, q db.Querier, caseIDs []string) (map[string]Event, error) {
	out := make(map[string]Event, len(caseIDs))
	if len(caseIDs) == 0 {
		return out, nil
	}
	query := `
SELECT DISTINCT ON (e.dispute_case_id)` + eventColumns + `
FROM dispute_events e
WHERE e.dispute_case_id = ANY($1::text[]::uuid[])
ORDER BY e.dispute_case_id, e.event_at DESC, e.seq DESC`
	rows, err := q.Query(ctx, query, caseIDs)
	if err != nil {
		return nil, fmt.Errorf("dispute: latest events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan event: %w", err)
		}
		out[e.DisputeCaseID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate events: %w", err)
	}
	return out, nil
}

func (r *Repository) queryCases(ctx context.Context, q db.Querier, query string, args ...any) ([]Case, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list cases: %w", err)
	}
	defer rows.Close()

	out := make([]Case, 0, 8)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan case: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate cases: %w", err)
	}
	return out, nil
}

func caseDest(c *Case) []any {
	return []any{&c.ID, &c.EscrowTransactionID, &c.OpenedByID, &c.AssignedToID,
		&c.Stage, &c.Status, &c.Priority, &c.ReasonCode, &c.Summary,
		&c.CustomerDeadlineAt, &c.ProviderDeadlineAt, &c.ResolutionNotes,
		&c.OpenedAt, &c.ResolvedAt, &c.Metadata, &c.CreatedAt, &c.UpdatedAt}
}

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	if err := row.Scan(caseDest(&c)...); err != nil {
		return Case{}, err
	}
	return c, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var e Event
	if err := row.Scan(&e.ID, &e.DisputeCaseID, &e.ActorID, &e.ActorType, &e.ActionType,
		&e.Notes, &e.EvidenceKey, &e.EvidenceURL, &e.EvidenceFileName, &e.EvidenceContentType,
		&e.EventAt, &e.Metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Event{}, err
	}
	return e, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("dispute: marshal metadata: %w", err)
	}
	return b, nil
}
