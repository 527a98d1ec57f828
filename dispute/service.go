// Package dispute stores dispute cases and their append-only event log. The
// case row is a cache of the log, recomputed by Apply on every append.
package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"trustledger/apperr"
	"trustledger/authz"
	"trustledger/db"
	"trustledger/ledger"
	"trustledger/logging"
	"trustledger/metrics"
	"trustledger/outbox"
)

// EscalationsKey is the case metadata key recording escalated deadlines.
const EscalationsKey = "sla_escalations"

// Ledger is the part of the escrow ledger used inside a dispute unit of work.
type Ledger interface {
	TransitionTx(ctx context.Context, tx pgx.Tx, params ledger.TransitionParams) (ledger.Transaction, error)
}

// Store is the persistence the service depends on.
type Store interface {
	LockTransaction(ctx context.Context, tx pgx.Tx, p authz.Principal, transactionID string) (TransactionRef, error)
	HasActiveCase(ctx context.Context, tx pgx.Tx, transactionID string) (bool, error)
	InsertCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error)
	LockCase(ctx context.Context, tx pgx.Tx, p authz.Principal, caseID string) (Case, TransactionRef, error)
	InsertEvent(ctx context.Context, tx pgx.Tx, e Event) (Event, error)
	UpdateCase(ctx context.Context, tx pgx.Tx, c Case) error
	GetCase(ctx context.Context, q db.Querier, p authz.Principal, caseID string) (Case, error)
	ListEvents(ctx context.Context, q db.Querier, caseID string) ([]Event, error)
	ListForOwner(ctx context.Context, q db.Querier, ownerID string, statuses []Status) ([]Case, error)
	LatestEvents(ctx context.Context, q db.Querier, caseIDs []string) (map[string]Event, error)
	ListActive(ctx context.Context, q db.Querier, limit int) ([]Case, error)
}

type Service struct {
	pool        db.Pool
	repo        Store
	ledger      Ledger
	outbox      outbox.Writer
	log         *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	idGenerator func() string
}

func NewService(pool db.Pool, repo Store, ledgerSvc Ledger, out outbox.Writer, log *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if out == nil {
		out = outbox.NewWriter()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      ledgerSvc,
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

// OpenCase creates a case against a funded or in-escrow transaction and moves
// the transaction to disputed in the same unit of work.
func (s *Service) OpenCase(ctx context.Context, p authz.Principal, params OpenCaseParams) (Case, error) {
	if err := p.Authorize(authz.ActionOpenCase); err != nil {
		return Case{}, err
	}
	reason := strings.TrimSpace(params.ReasonCode)
	if reason == "" {
		return Case{}, apperr.Validationf("dispute: reason code required")
	}
	priority := PriorityMedium
	if params.Priority != nil {
		if !params.Priority.Valid() {
			return Case{}, apperr.Validationf("dispute: unknown priority %q", *params.Priority)
		}
		priority = *params.Priority
	}

	var created Case
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		ref, err := s.repo.LockTransaction(ctx, tx, p, params.TransactionID)
		if err != nil {
			return err
		}
		if !ref.Status.EligibleForDispute() {
			return fmt.Errorf("transaction is %s: %w", ref.Status, ErrTransactionNotEligible)
		}
		active, err := s.repo.HasActiveCase(ctx, tx, ref.ID)
		if err != nil {
			return err
		}
		if active {
			return ErrActiveCaseExists
		}

		now := s.timestamp()
		created, err = s.repo.InsertCase(ctx, tx, Case{
			ID:                  s.idGenerator(),
			EscrowTransactionID: ref.ID,
			OpenedByID:          p.UserID,
			Stage:               StageIntake,
			Status:              StatusOpen,
			Priority:            priority,
			ReasonCode:          reason,
			Summary:             emptyToNil(params.Summary),
			CustomerDeadlineAt:  params.CustomerDeadlineAt,
			ProviderDeadlineAt:  params.ProviderDeadlineAt,
			OpenedAt:            now,
			Metadata:            params.Metadata,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
		if err != nil {
			return err
		}

		notes := fmt.Sprintf("Dispute opened: %s", reason)
		if _, err := s.repo.InsertEvent(ctx, tx, Event{
			ID:            s.idGenerator(),
			DisputeCaseID: created.ID,
			ActorID:       p.UserID,
			ActorType:     p.ActorType,
			ActionType:    ActionSystemNotice,
			Notes:         &notes,
			EventAt:       now,
			Metadata: map[string]any{
				"reasonCode":        reason,
				"transactionStatus": string(ref.Status),
			},
		}); err != nil {
			return err
		}

		if _, err := s.ledger.TransitionTx(ctx, tx, ledger.TransitionParams{
			TransactionID: ref.ID,
			Target:        ledger.StatusDisputed,
			Actor:         ledger.Actor{ID: p.UserID, Type: string(p.ActorType)},
			Reason:        "dispute opened: " + reason,
		}); err != nil {
			return err
		}

		return s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeOpened, map[string]any{
			"dispute_case_id": created.ID,
			"transaction_id":  ref.ID,
			"opened_by_id":    p.UserID,
			"reason_code":     reason,
		})
	})
	if err != nil {
		s.log.Warn("open dispute failed",
			zap.String("transaction_id", params.TransactionID),
			zap.String("user_id", p.UserID),
			zap.Error(err))
		return Case{}, err
	}

	s.metrics.ObserveDisputeOpened()
	s.log.Info("dispute opened",
		zap.String("case_id", created.ID),
		zap.String("transaction_id", created.EscrowTransactionID),
		zap.String("actor_type", string(p.ActorType)))
	return created, nil
}

// AppendEvent records one event and the case snapshot it produces. Resolving
// status changes move the escrow transaction in the same unit of work.
func (s *Service) AppendEvent(ctx context.Context, p authz.Principal, caseID string, in EventInput) (Case, Event, error) {
	if !in.ActionType.Valid() {
		return Case{}, Event{}, apperr.Validationf("dispute: unknown action type %q", in.ActionType)
	}
	if in.TransactionResolution != nil {
		if _, ok := in.TransactionResolution.TransactionStatus(); !ok {
			return Case{}, Event{}, apperr.Validationf("dispute: unknown transaction resolution %q", *in.TransactionResolution)
		}
	}
	for _, action := range RequiredActions(in) {
		if err := p.Authorize(action); err != nil {
			return Case{}, Event{}, err
		}
	}

	var (
		next     Case
		recorded Event
		resolved bool
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, ref, err := s.repo.LockCase(ctx, tx, p, caseID)
		if err != nil {
			return err
		}

		now := s.timestamp()
		outcome, err := Apply(current, in, ApplyEnv{TransactionStatus: ref.Status, At: now})
		if err != nil {
			return err
		}

		recorded, err = s.repo.InsertEvent(ctx, tx, Event{
			ID:                  s.idGenerator(),
			DisputeCaseID:       current.ID,
			ActorID:             p.UserID,
			ActorType:           p.ActorType,
			ActionType:          in.ActionType,
			Notes:               emptyToNil(in.Notes),
			EvidenceKey:         emptyToNil(in.EvidenceKey),
			EvidenceURL:         emptyToNil(in.EvidenceURL),
			EvidenceFileName:    emptyToNil(in.EvidenceFileName),
			EvidenceContentType: emptyToNil(in.EvidenceContentType),
			EventAt:             now,
			Metadata:            outcome.Metadata,
		})
		if err != nil {
			return err
		}

		next = outcome.Case
		if err := s.repo.UpdateCase(ctx, tx, next); err != nil {
			return err
		}

		if outcome.LedgerTarget != nil {
			if _, err := s.ledger.TransitionTx(ctx, tx, ledger.TransitionParams{
				TransactionID: ref.ID,
				Target:        *outcome.LedgerTarget,
				Actor:         ledger.Actor{ID: p.UserID, Type: string(p.ActorType)},
				Reason:        "dispute " + current.ID + " resolved",
			}); err != nil {
				return err
			}
		}

		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeEventAppended, map[string]any{
			"dispute_case_id": current.ID,
			"event_id":        recorded.ID,
			"action_type":     string(in.ActionType),
			"actor_type":      string(p.ActorType),
		}); err != nil {
			return err
		}

		resolved = current.ResolvedAt == nil && next.ResolvedAt != nil
		if resolved {
			return s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeResolved, map[string]any{
				"dispute_case_id": current.ID,
				"transaction_id":  ref.ID,
				"status":          string(next.Status),
				"resolved_at":     next.ResolvedAt.UTC(),
			})
		}
		return nil
	})
	if err != nil {
		s.log.Warn("append dispute event failed",
			zap.String("case_id", caseID),
			zap.String("action_type", string(in.ActionType)),
			zap.Error(err))
		return Case{}, Event{}, err
	}

	s.metrics.ObserveDisputeEvent(string(in.ActionType), string(p.ActorType))
	fields := []zap.Field{
		zap.String("case_id", next.ID),
		zap.String("event_id", recorded.ID),
		zap.String("action_type", string(in.ActionType)),
		zap.String("stage", string(next.Stage)),
		zap.String("status", string(next.Status)),
	}
	if resolved {
		s.log.Info("dispute resolved", fields...)
	} else {
		s.log.Info("dispute event appended", fields...)
	}
	return next, recorded, nil
}

// RecordEscalation flags a breached deadline once. It returns false when the
// case is no longer active, the deadline moved, or the breach was already
// escalated.
func (s *Service) RecordEscalation(ctx context.Context, caseID string, party authz.DeadlineParty, dueAt time.Time) (bool, error) {
	system := authz.SystemPrincipal("sla-escalation")
	key := dueAt.UTC().Format(time.RFC3339)

	var recorded bool
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, ref, err := s.repo.LockCase(ctx, tx, system, caseID)
		if err != nil {
			return err
		}
		if current.Stage == StageResolved || !current.Status.Active() {
			return nil
		}
		deadline := current.Deadline(party)
		if deadline == nil || !deadline.Equal(dueAt) {
			return nil
		}
		if EscalatedAt(current, party) == key {
			return nil
		}

		now := s.timestamp()
		notes := fmt.Sprintf("SLA breached: %s deadline %s passed", party, key)
		outcome, err := Apply(current, EventInput{ActionType: ActionSystemNotice, Notes: &notes}, ApplyEnv{TransactionStatus: ref.Status, At: now})
		if err != nil {
			return err
		}
		if _, err := s.repo.InsertEvent(ctx, tx, Event{
			ID:            s.idGenerator(),
			DisputeCaseID: current.ID,
			ActorID:       system.UserID,
			ActorType:     system.ActorType,
			ActionType:    ActionSystemNotice,
			Notes:         &notes,
			EventAt:       now,
			Metadata:      map[string]any{"escalation": map[string]any{"party": string(party), "dueAt": key}},
		}); err != nil {
			return err
		}

		next := outcome.Case
		next.Metadata = withEscalation(current.Metadata, party, key)
		if err := s.repo.UpdateCase(ctx, tx, next); err != nil {
			return err
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicDisputeEscalated, map[string]any{
			"dispute_case_id": current.ID,
			"party":           string(party),
			"due_at":          key,
		}); err != nil {
			return err
		}
		recorded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if recorded {
		s.metrics.ObserveEscalation(string(party))
		s.log.Info("dispute deadline escalated",
			zap.String("case_id", caseID),
			zap.String("party", string(party)),
			zap.Time("due_at", dueAt))
	}
	return recorded, nil
}

// EscalatedAt returns the due time already escalated for party, if any.
func EscalatedAt(c Case, party authz.DeadlineParty) string {
	flags, ok := c.Metadata[EscalationsKey].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := flags[string(party)].(string)
	return v
}

func withEscalation(metadata map[string]any, party authz.DeadlineParty, dueAt string) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	flags := make(map[string]any, 2)
	if existing, ok := metadata[EscalationsKey].(map[string]any); ok {
		for k, v := range existing {
			flags[k] = v
		}
	}
	flags[string(party)] = dueAt
	out[EscalationsKey] = flags
	return out
}

func (s *Service) Get(ctx context.Context, p authz.Principal, caseID string) (Case, error) {
	if err := p.Authorize(authz.ActionViewCase); err != nil {
		return Case{}, err
	}
	return s.repo.GetCase(ctx, s.pool, p, caseID)
}

// ListEvents returns the case's events oldest first.
func (s *Service) ListEvents(ctx context.Context, p authz.Principal, caseID string) ([]Event, error) {
	_, events, err := s.GetWithEvents(ctx, p, caseID)
	return events, err
}

// GetWithEvents loads the case once under the caller's scope, then its
// events oldest first.
func (s *Service) GetWithEvents(ctx context.Context, p authz.Principal, caseID string) (Case, []Event, error) {
	c, err := s.Get(ctx, p, caseID)
	if err != nil {
		return Case{}, nil, err
	}
	events, err := s.repo.ListEvents(ctx, s.pool, c.ID)
	if err != nil {
		return Case{}, nil, err
	}
	return c, events, nil
}

func (s *Service) ListForOwner(ctx context.Context, ownerID string, statuses []Status) ([]Case, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, apperr.Validationf("dispute: unknown status %q", st)
		}
	}
	return s.repo.ListForOwner(ctx, s.pool, ownerID, statuses)
}

func (s *Service) LatestEvents(ctx context.Context, caseIDs []string) (map[string]Event, error) {
	return s.repo.LatestEvents(ctx, s.pool, caseIDs)
}

func (s *Service) ListActive(ctx context.Context, limit int) ([]Case, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.repo.ListActive(ctx, s.pool, limit)
}
