// Package outbox writes transactional outbox messages. Delivery is handled by
// an external relay that polls the outbox table.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	TopicDisputeOpened        = "dispute.opened"
	TopicDisputeEventAppended = "dispute.event_appended"
	TopicDisputeResolved      = "dispute.resolved"
	TopicDisputeEscalated     = "dispute.escalated"
)

// TransactionTopic names the topic published when a transaction enters status.
func TransactionTopic(status string) string {
	return "escrow.transaction." + status
}

// Writer enqueues messages inside the caller's transaction.
type Writer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// PGWriter is the Postgres-backed Writer.
type PGWriter struct{}

func NewWriter() *PGWriter {
	return &PGWriter{}
}

func (PGWriter) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
