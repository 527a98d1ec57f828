package oracles

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"trustledger/ledger"
)

// Oracle is a query that returns rows only when an invariant is broken.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_balances_match_open_escrow",
			SQL: `SELECT a.id, a.current_balance, a.pending_release_total, COALESCE(s.gross, 0), COALESCE(s.net, 0)
                  FROM escrow_accounts a
                  LEFT JOIN (
                      SELECT account_id, SUM(amount) AS gross, SUM(net_amount) AS net
                      FROM escrow_transactions
                      WHERE status IN ('funded', 'in_escrow', 'disputed')
                      GROUP BY account_id) s ON s.account_id = a.id
                  WHERE a.current_balance <> COALESCE(s.gross, 0)
                     OR a.pending_release_total <> COALESCE(s.net, 0)`,
		},
		{
			Name: "O2_one_live_case_per_transaction",
			SQL: `SELECT escrow_transaction_id, COUNT(*) FROM dispute_cases
                  WHERE status <> 'closed'
                  GROUP BY escrow_transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_disputed_transaction_has_active_case",
			SQL: `SELECT t.id, t.status FROM escrow_transactions t
                  WHERE t.status = 'disputed'
                    AND NOT EXISTS (
                        SELECT 1 FROM dispute_cases c
                        WHERE c.escrow_transaction_id = t.id
                          AND c.status IN ('open', 'awaiting_customer', 'under_review'))`,
		},
		{
			Name: "O4_resolved_at_consistency",
			SQL: `SELECT id, stage, status, resolved_at FROM dispute_cases
                  WHERE (resolved_at IS NOT NULL) <> (stage = 'resolved' AND status IN ('settled', 'closed'))`,
		},
		{
			Name: "O5_terminal_timestamps",
			SQL: `SELECT id, status FROM escrow_transactions
                  WHERE (released_at IS NOT NULL) <> (status = 'released')
                     OR (refunded_at IS NOT NULL) <> (status = 'refunded')
                     OR (cancelled_at IS NOT NULL) <> (status = 'cancelled')`,
		},
		{
			Name: "O6_audit_tail_matches_status",
			SQL: `SELECT id, status, audit_trail -> -1 ->> 'to' FROM escrow_transactions
                  WHERE (status = 'initiated') <> (jsonb_array_length(audit_trail) = 0)
                     OR (status <> 'initiated' AND audit_trail -> -1 ->> 'to' <> status)`,
		},
		{
			Name: "O7_case_has_events",
			SQL: `SELECT c.id FROM dispute_cases c
                  WHERE NOT EXISTS (SELECT 1 FROM dispute_events e WHERE e.dispute_case_id = c.id)`,
		},
		{
			Name: "O8_outbox_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name when every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return VerifyAuditTrails(ctx, pool)
}

// VerifyAuditTrails recomputes every transaction's digest chain.
func VerifyAuditTrails(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	const name = "O9_audit_chain_intact"
	rows, err := pool.Query(ctx, `SELECT id::text, audit_trail FROM escrow_transactions`)
	if err != nil {
		return name, "", fmt.Errorf("oracle %s: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return name, "", err
		}
		var trail []ledger.AuditEntry
		if err := json.Unmarshal(raw, &trail); err != nil {
			return name, id, nil
		}
		if err := ledger.VerifyAuditTrail(trail); err != nil {
			return name, fmt.Sprintf("%s: %v", id, err), nil
		}
	}
	if err := rows.Err(); err != nil {
		return name, "", fmt.Errorf("oracle %s: %w", name, err)
	}
	return "", "", nil
}
