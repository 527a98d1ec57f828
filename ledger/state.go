package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"

	"trustledger/apperr"
)

var (
	ErrAccountNotFound          = fmt.Errorf("ledger: account not found: %w", apperr.ErrNotFound)
	ErrTransactionNotFound      = fmt.Errorf("ledger: transaction not found: %w", apperr.ErrNotFound)
	ErrInvalidTransition        = fmt.Errorf("ledger: invalid status transition: %w", apperr.ErrValidation)
	ErrInvalidAccountTransition = fmt.Errorf("ledger: invalid account status transition: %w", apperr.ErrValidation)
	ErrNegativeBalance          = fmt.Errorf("ledger: balance would become negative: %w", apperr.ErrValidation)
	ErrAccountNotActive         = fmt.Errorf("ledger: account is not active: %w", apperr.ErrValidation)
	ErrAccountNotEmpty          = fmt.Errorf("ledger: account still holds funds: %w", apperr.ErrValidation)
	ErrDuplicateReference       = fmt.Errorf("ledger: duplicate transaction reference: %w", apperr.ErrConflict)
	ErrAuditTrailTampered       = fmt.Errorf("ledger: audit trail digest mismatch: %w", apperr.ErrValidation)
	ErrDisputeManaged           = fmt.Errorf("ledger: disputed status changes only through a dispute case: %w", ErrInvalidTransition)
)

var transitions = map[TransactionStatus][]TransactionStatus{
	StatusInitiated: {StatusFunded},
	StatusFunded:    {StatusInEscrow, StatusDisputed},
	StatusInEscrow:  {StatusReleased, StatusRefunded, StatusCancelled, StatusDisputed},
	StatusDisputed:  {StatusInEscrow, StatusReleased, StatusRefunded, StatusCancelled},
}

var accountTransitions = map[AccountStatus][]AccountStatus{
	AccountPending:   {AccountActive, AccountClosed},
	AccountActive:    {AccountSuspended, AccountClosed},
	AccountSuspended: {AccountActive, AccountClosed},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func CanTransitionAccount(from, to AccountStatus) bool {
	for _, next := range accountTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// touchesDispute reports whether the edge enters or leaves disputed.
func touchesDispute(from, to TransactionStatus) bool {
	return from == StatusDisputed || to == StatusDisputed
}

// IsTerminal reports whether status ends the transaction lifecycle.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded || s == StatusCancelled
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusInitiated, StatusFunded, StatusInEscrow, StatusDisputed:
		return true
	}
	return s.IsTerminal()
}

// EligibleForDispute reports whether a case may be opened against a
// transaction in status s.
func (s TransactionStatus) EligibleForDispute() bool {
	return s == StatusFunded || s == StatusInEscrow
}

// NextBalances returns the account balances after txn moves to target.
// Funding adds the gross amount and the net payable; leaving escrow for a
// terminal status removes them again. Other edges leave balances untouched.
func NextBalances(acct Account, txn Transaction, target TransactionStatus) (decimal.Decimal, decimal.Decimal, error) {
	current, pending := acct.CurrentBalance, acct.PendingReleaseTotal
	switch {
	case target == StatusFunded:
		current = current.Add(txn.Amount)
		pending = pending.Add(txn.NetAmount)
	case target.IsTerminal():
		current = current.Sub(txn.Amount)
		pending = pending.Sub(txn.NetAmount)
	}
	if current.IsNegative() || pending.IsNegative() {
		return acct.CurrentBalance, acct.PendingReleaseTotal, ErrNegativeBalance
	}
	return current, pending, nil
}

// moneyScale matches the numeric(18, 2) money columns.
const moneyScale = 2

// SplitAmount validates amount and fee and returns the net amount.
func SplitAmount(amount, fee decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, apperr.Validationf("ledger: amount must be positive")
	}
	if fee.IsNegative() {
		return decimal.Zero, apperr.Validationf("ledger: fee must not be negative")
	}
	if !amount.Equal(amount.Round(moneyScale)) {
		return decimal.Zero, apperr.Validationf("ledger: amount %s has more than %d decimal places", amount, moneyScale)
	}
	if !fee.Equal(fee.Round(moneyScale)) {
		return decimal.Zero, apperr.Validationf("ledger: fee %s has more than %d decimal places", fee, moneyScale)
	}
	if fee.GreaterThan(amount) {
		return decimal.Zero, apperr.Validationf("ledger: fee %s exceeds amount %s", fee, amount)
	}
	return amount.Sub(fee), nil
}

// ValidCurrency reports whether code looks like an ISO-4217 code.
func ValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ChainEntry stamps entry with the digest linking it to trail.
func ChainEntry(trail []AuditEntry, entry AuditEntry) AuditEntry {
	prev := ""
	if n := len(trail); n > 0 {
		prev = trail[n-1].Digest
	}
	entry.Digest = digest(prev, entry)
	return entry
}

// VerifyAuditTrail recomputes every digest in order.
func VerifyAuditTrail(trail []AuditEntry) error {
	prev := ""
	for i, e := range trail {
		if digest(prev, e) != e.Digest {
			return fmt.Errorf("entry %d: %w", i, ErrAuditTrailTampered)
		}
		prev = e.Digest
	}
	return nil
}

func digest(prev string, e AuditEntry) string {
	canonical := strings.Join([]string{
		prev,
		string(e.From),
		string(e.To),
		e.ActorID,
		e.ActorType,
		e.Reason,
		e.At.UTC().Format(time.RFC3339Nano),
	}, "\x1f")
	sum := blake2b.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
