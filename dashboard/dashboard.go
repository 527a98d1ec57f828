// Package dashboard builds the per-principal dispute read model.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trustledger/apperr"
	"trustledger/authz"
	"trustledger/dispute"
	"trustledger/ledger"
	"trustledger/logging"
	"trustledger/sla"
)

type CaseReader interface {
	ListForOwner(ctx context.Context, ownerID string, statuses []dispute.Status) ([]dispute.Case, error)
	LatestEvents(ctx context.Context, caseIDs []string) (map[string]dispute.Event, error)
}

type TransactionReader interface {
	ListEligibleForDispute(ctx context.Context, ownerID string) ([]ledger.Transaction, error)
}

type Filters struct {
	Statuses []dispute.Status
}

type Summary struct {
	TotalCases       int `json:"totalCases"`
	OpenCases        int `json:"openCases"`
	AwaitingCustomer int `json:"awaitingCustomer"`
	UrgentCases      int `json:"urgentCases"`
	DueWithin72h     int `json:"dueWithin72h"`
}

type Metrics struct {
	ByStage  map[dispute.Stage]int  `json:"byStage"`
	ByStatus map[dispute.Status]int `json:"byStatus"`
}

type EventView struct {
	ID         string             `json:"id"`
	ActorID    string             `json:"actorId"`
	ActorType  authz.ActorType    `json:"actorType"`
	ActionType dispute.ActionType `json:"actionType"`
	Notes      *string            `json:"notes,omitempty"`
	EventAt    time.Time          `json:"eventAt"`
}

type CaseView struct {
	ID                  string           `json:"id"`
	EscrowTransactionID string           `json:"escrowTransactionId"`
	Stage               dispute.Stage    `json:"stage"`
	Status              dispute.Status   `json:"status"`
	Priority            dispute.Priority `json:"priority"`
	ReasonCode          string           `json:"reasonCode"`
	Summary             *string          `json:"summary,omitempty"`
	AssignedToID        *string          `json:"assignedToId,omitempty"`
	CustomerDeadlineAt  *time.Time       `json:"customerDeadlineAt,omitempty"`
	ProviderDeadlineAt  *time.Time       `json:"providerDeadlineAt,omitempty"`
	OpenedAt            time.Time        `json:"openedAt"`
	ResolvedAt          *time.Time       `json:"resolvedAt,omitempty"`
	LatestEvent         *EventView       `json:"latestEvent,omitempty"`
}

type DeadlineView struct {
	CaseID    string              `json:"caseId"`
	Party     authz.DeadlineParty `json:"party"`
	DueAt     time.Time           `json:"dueAt"`
	Severity  sla.Severity        `json:"severity,omitempty"`
	IsPastDue bool                `json:"isPastDue"`
	IsOwn     bool                `json:"isOwn"`
}

type EligibleTransaction struct {
	ID           string                   `json:"id"`
	Reference    string                   `json:"reference"`
	Type         ledger.TransactionType   `json:"type"`
	Status       ledger.TransactionStatus `json:"status"`
	Amount       string                   `json:"amount"`
	CurrencyCode string                   `json:"currencyCode"`
}

type Permissions struct {
	CanOpen   bool            `json:"canOpen"`
	ActorType authz.ActorType `json:"actorType"`
}

type Dashboard struct {
	Summary              Summary               `json:"summary"`
	Metrics              Metrics               `json:"metrics"`
	Cases                []CaseView            `json:"cases"`
	UpcomingDeadlines    []DeadlineView        `json:"upcomingDeadlines"`
	EligibleTransactions []EligibleTransaction `json:"eligibleTransactions"`
	Permissions          Permissions           `json:"permissions"`
}

type Service struct {
	cases        CaseReader
	transactions TransactionReader
	window       time.Duration
	log          *zap.Logger
	now          func() time.Time
}

func NewService(cases CaseReader, transactions TransactionReader, window time.Duration, log *zap.Logger) *Service {
	if window <= 0 {
		window = sla.DefaultWindow
	}
	return &Service{
		cases:        cases,
		transactions: transactions,
		window:       window,
		log:          logging.OrNop(log),
		now:          time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// GetDashboard loads the caller's cases and eligible transactions
// concurrently and folds them into the read model. Reads take no locks.
func (s *Service) GetDashboard(ctx context.Context, p authz.Principal, filters Filters) (Dashboard, error) {
	for _, st := range filters.Statuses {
		if !st.Valid() {
			return Dashboard{}, fmt.Errorf("dashboard: unknown status %q: %w", st, apperr.ErrValidation)
		}
	}

	var (
		cases    []dispute.Case
		latest   map[string]dispute.Event
		eligible []ledger.Transaction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cases, err = s.cases.ListForOwner(gctx, p.UserID, filters.Statuses)
		if err != nil {
			return fmt.Errorf("dashboard: load cases: %w", err)
		}
		ids := make([]string, len(cases))
		for i, c := range cases {
			ids[i] = c.ID
		}
		latest, err = s.cases.LatestEvents(gctx, ids)
		if err != nil {
			return fmt.Errorf("dashboard: load latest events: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		eligible, err = s.transactions.ListEligibleForDispute(gctx, p.UserID)
		if err != nil {
			return fmt.Errorf("dashboard: load eligible transactions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.log.Warn("dashboard load failed", zap.String("user_id", p.UserID), zap.Error(err))
		return Dashboard{}, err
	}

	return Build(s.now().UTC(), p, cases, latest, eligible, s.window), nil
}

// Build assembles the dashboard from already loaded data.
func Build(now time.Time, p authz.Principal, cases []dispute.Case, latest map[string]dispute.Event, eligible []ledger.Transaction, window time.Duration) Dashboard {
	agg := sla.Aggregate(now, cases, window)
	d := Dashboard{
		Summary: Summary{
			TotalCases:   len(cases),
			UrgentCases:  agg.UrgentCases,
			DueWithin72h: agg.DueWithinWindow,
		},
		Metrics:              Metrics{ByStage: agg.ByStage, ByStatus: agg.ByStatus},
		Cases:                make([]CaseView, 0, len(cases)),
		UpcomingDeadlines:    []DeadlineView{},
		EligibleTransactions: make([]EligibleTransaction, 0, len(eligible)),
	}

	for _, c := range cases {
		if c.Status.Active() {
			d.Summary.OpenCases++
		}
		if c.Status == dispute.StatusAwaitingCustomer {
			d.Summary.AwaitingCustomer++
		}
		view := CaseView{
			ID:                  c.ID,
			EscrowTransactionID: c.EscrowTransactionID,
			Stage:               c.Stage,
			Status:              c.Status,
			Priority:            c.Priority,
			ReasonCode:          c.ReasonCode,
			Summary:             c.Summary,
			AssignedToID:        c.AssignedToID,
			CustomerDeadlineAt:  c.CustomerDeadlineAt,
			ProviderDeadlineAt:  c.ProviderDeadlineAt,
			OpenedAt:            c.OpenedAt,
			ResolvedAt:          c.ResolvedAt,
		}
		if e, ok := latest[c.ID]; ok {
			view.LatestEvent = &EventView{
				ID:         e.ID,
				ActorID:    e.ActorID,
				ActorType:  e.ActorType,
				ActionType: e.ActionType,
				Notes:      e.Notes,
				EventAt:    e.EventAt,
			}
		}
		d.Cases = append(d.Cases, view)
	}

	own, hasOwn := authz.DeadlinePartyFor(p.ActorType)
	for _, dl := range sla.UpcomingDeadlines(now, cases, window) {
		d.UpcomingDeadlines = append(d.UpcomingDeadlines, DeadlineView{
			CaseID:    dl.CaseID,
			Party:     dl.Party,
			DueAt:     dl.DueAt,
			Severity:  dl.Severity,
			IsPastDue: dl.PastDue(),
			IsOwn:     hasOwn && dl.Party == own,
		})
	}

	for _, t := range eligible {
		d.EligibleTransactions = append(d.EligibleTransactions, EligibleTransaction{
			ID:           t.ID,
			Reference:    t.Reference,
			Type:         t.Type,
			Status:       t.Status,
			Amount:       t.Amount.StringFixed(2),
			CurrencyCode: t.CurrencyCode,
		})
	}

	d.Permissions = Permissions{
		ActorType: p.ActorType,
		CanOpen:   authz.Can(p.ActorType, authz.ActionOpenCase) && len(eligible) > 0,
	}
	return d
}
