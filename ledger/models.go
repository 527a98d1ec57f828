package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountPending   AccountStatus = "pending"
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

type TransactionStatus string

const (
	StatusInitiated TransactionStatus = "initiated"
	StatusFunded    TransactionStatus = "funded"
	StatusInEscrow  TransactionStatus = "in_escrow"
	StatusReleased  TransactionStatus = "released"
	StatusRefunded  TransactionStatus = "refunded"
	StatusCancelled TransactionStatus = "cancelled"
	StatusDisputed  TransactionStatus = "disputed"
)

type TransactionType string

const (
	TypeProject   TransactionType = "project"
	TypeGig       TransactionType = "gig"
	TypeMilestone TransactionType = "milestone"
	TypeRetainer  TransactionType = "retainer"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypeProject, TypeGig, TypeMilestone, TypeRetainer:
		return true
	}
	return false
}

// Account mirrors the escrow_accounts table.
type Account struct {
	ID                  string
	OwnerID             string
	Provider            string
	ExternalID          *string
	Status              AccountStatus
	CurrencyCode        string
	CurrentBalance      decimal.Decimal
	PendingReleaseTotal decimal.Decimal
	Metadata            map[string]any
	LastReconciledAt    *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Transaction mirrors the escrow_transactions table.
type Transaction struct {
	ID                 string
	AccountID          string
	Reference          string
	ExternalID         *string
	Type               TransactionType
	Status             TransactionStatus
	Amount             decimal.Decimal
	CurrencyCode       string
	FeeAmount          decimal.Decimal
	NetAmount          decimal.Decimal
	InitiatedByID      string
	CounterpartyID     string
	ProjectID          *string
	GigID              *string
	MilestoneLabel     *string
	ScheduledReleaseAt *time.Time
	ReleasedAt         *time.Time
	RefundedAt         *time.Time
	CancelledAt        *time.Time
	Metadata           map[string]any
	AuditTrail         []AuditEntry
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AuditEntry is one element of a transaction's append-only audit trail.
// Digest chains the entry to its predecessor.
type AuditEntry struct {
	From      TransactionStatus `json:"from"`
	To        TransactionStatus `json:"to"`
	ActorID   string            `json:"actorId"`
	ActorType string            `json:"actorType"`
	Reason    string            `json:"reason,omitempty"`
	At        time.Time         `json:"at"`
	Digest    string            `json:"digest"`
}

// Actor identifies who caused a transition.
type Actor struct {
	ID   string
	Type string
}

type CreateAccountParams struct {
	OwnerID      string
	Provider     string
	CurrencyCode string
	ExternalID   *string
	Metadata     map[string]any
}

type CreateTransactionParams struct {
	AccountID          string
	Type               TransactionType
	Amount             decimal.Decimal
	FeeAmount          decimal.Decimal
	InitiatedByID      string
	CounterpartyID     string
	Reference          string
	ExternalID         *string
	ProjectID          *string
	GigID              *string
	MilestoneLabel     *string
	ScheduledReleaseAt *time.Time
	Metadata           map[string]any
}

type TransitionParams struct {
	TransactionID string
	Target        TransactionStatus
	Actor         Actor
	Reason        string
}

// StatusUpdate is what the repository persists for one transition.
type StatusUpdate struct {
	TransactionID string
	Status        TransactionStatus
	Entry         AuditEntry
	At            time.Time
}

// BalanceUpdate replaces both balances of an account.
type BalanceUpdate struct {
	AccountID           string
	CurrentBalance      decimal.Decimal
	PendingReleaseTotal decimal.Decimal
	At                  time.Time
}
