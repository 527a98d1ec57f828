package dispute

import (
	"time"

	"trustledger/authz"
	"trustledger/ledger"
)

type Stage string

const (
	StageIntake      Stage = "intake"
	StageMediation   Stage = "mediation"
	StageArbitration Stage = "arbitration"
	StageResolved    Stage = "resolved"
)

var stageOrder = []Stage{StageIntake, StageMediation, StageArbitration, StageResolved}

func (s Stage) Valid() bool {
	return s.index() >= 0
}

func (s Stage) index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s, or false when s is the last one.
func (s Stage) Next() (Stage, bool) {
	i := s.index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

type Status string

const (
	StatusOpen             Status = "open"
	StatusAwaitingCustomer Status = "awaiting_customer"
	StatusUnderReview      Status = "under_review"
	StatusSettled          Status = "settled"
	StatusClosed           Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAwaitingCustomer, StatusUnderReview, StatusSettled, StatusClosed:
		return true
	}
	return false
}

// Active reports whether the case still needs attention.
func (s Status) Active() bool {
	return s != StatusSettled && s != StatusClosed
}

// Final reports whether the status settles the dispute.
func (s Status) Final() bool {
	return !s.Active()
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type ActionType string

const (
	ActionComment          ActionType = "comment"
	ActionEvidenceUpload   ActionType = "evidence_upload"
	ActionDeadlineAdjusted ActionType = "deadline_adjusted"
	ActionStageAdvanced    ActionType = "stage_advanced"
	ActionStageOverride    ActionType = "stage_override"
	ActionStatusChange     ActionType = "status_change"
	ActionSystemNotice     ActionType = "system_notice"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionComment, ActionEvidenceUpload, ActionDeadlineAdjusted, ActionStageAdvanced,
		ActionStageOverride, ActionStatusChange, ActionSystemNotice:
		return true
	}
	return false
}

// Resolution is the money outcome a mediator attaches to a settling event.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
	ResolutionHold    Resolution = "hold"
)

// TransactionStatus maps the resolution to the ledger target status.
func (r Resolution) TransactionStatus() (ledger.TransactionStatus, bool) {
	switch r {
	case ResolutionRelease:
		return ledger.StatusReleased, true
	case ResolutionRefund:
		return ledger.StatusRefunded, true
	case ResolutionHold:
		return ledger.StatusInEscrow, true
	}
	return "", false
}

// Case mirrors the dispute_cases table. Stage, status, priority, deadlines,
// assignment and resolution fields are derived from the event log.
type Case struct {
	ID                  string
	EscrowTransactionID string
	OpenedByID          string
	AssignedToID        *string
	Stage               Stage
	Status              Status
	Priority            Priority
	ReasonCode          string
	Summary             *string
	CustomerDeadlineAt  *time.Time
	ProviderDeadlineAt  *time.Time
	ResolutionNotes     *string
	OpenedAt            time.Time
	ResolvedAt          *time.Time
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Deadline returns the deadline owned by party.
func (c Case) Deadline(party authz.DeadlineParty) *time.Time {
	switch party {
	case authz.PartyCustomer:
		return c.CustomerDeadlineAt
	case authz.PartyProvider:
		return c.ProviderDeadlineAt
	}
	return nil
}

// Event mirrors the dispute_events table.
type Event struct {
	ID                  string
	DisputeCaseID       string
	ActorID             string
	ActorType           authz.ActorType
	ActionType          ActionType
	Notes               *string
	EvidenceKey         *string
	EvidenceURL         *string
	EvidenceFileName    *string
	EvidenceContentType *string
	EventAt             time.Time
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DeadlineChange distinguishes "leave as is" from "clear" for a deadline.
type DeadlineChange struct {
	Set bool
	At  *time.Time
}

// EventInput is a caller-supplied change request.
type EventInput struct {
	ActionType            ActionType
	Notes                 *string
	EvidenceKey           *string
	EvidenceURL           *string
	EvidenceFileName      *string
	EvidenceContentType   *string
	Stage                 *Stage
	Status                *Status
	Priority              *Priority
	AssignedToID          *string
	ResolutionNotes       *string
	TransactionResolution *Resolution
	CustomerDeadline      DeadlineChange
	ProviderDeadline      DeadlineChange
	Metadata              map[string]any
}

// TransactionRef is the slice of the linked escrow transaction the store
// needs for scoping and eligibility checks.
type TransactionRef struct {
	ID             string
	Status         ledger.TransactionStatus
	AccountOwnerID string
	InitiatedByID  string
	CounterpartyID string
}

type OpenCaseParams struct {
	TransactionID      string
	ReasonCode         string
	Summary            *string
	Priority           *Priority
	CustomerDeadlineAt *time.Time
	ProviderDeadlineAt *time.Time
	Metadata           map[string]any
}
