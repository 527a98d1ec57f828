package dispute

import (
	"fmt"
	"strings"
	"time"

	"trustledger/apperr"
	"trustledger/authz"
	"trustledger/ledger"
)

var (
	ErrCaseNotFound            = fmt.Errorf("dispute: case not found: %w", apperr.ErrNotFound)
	ErrTransactionNotFound     = fmt.Errorf("dispute: transaction not found: %w", apperr.ErrNotFound)
	ErrActiveCaseExists        = fmt.Errorf("dispute: transaction already has an open case: %w", apperr.ErrConflict)
	ErrTransactionNotEligible  = fmt.Errorf("dispute: transaction is not eligible for dispute: %w", apperr.ErrValidation)
	ErrCaseResolved            = fmt.Errorf("dispute: case is resolved: %w", apperr.ErrValidation)
	ErrInvalidStatusTransition = fmt.Errorf("dispute: invalid status transition: %w", apperr.ErrValidation)
	ErrInvalidStage            = fmt.Errorf("dispute: invalid stage change: %w", apperr.ErrValidation)
	ErrResolutionRequired      = fmt.Errorf("dispute: settling a disputed transaction requires a transaction resolution: %w", apperr.ErrValidation)
	ErrResolutionNotAllowed    = fmt.Errorf("dispute: transaction resolution not allowed: %w", apperr.ErrValidation)
)

var statusEdges = map[Status][]Status{
	StatusOpen:             {StatusAwaitingCustomer, StatusUnderReview, StatusSettled, StatusClosed},
	StatusAwaitingCustomer: {StatusOpen, StatusUnderReview, StatusSettled, StatusClosed},
	StatusUnderReview:      {StatusOpen, StatusAwaitingCustomer, StatusSettled, StatusClosed},
	StatusSettled:          {StatusClosed},
}

func canChangeStatus(from, to Status) bool {
	for _, next := range statusEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyEnv carries the facts outside the case that Apply depends on.
type ApplyEnv struct {
	TransactionStatus ledger.TransactionStatus
	At                time.Time
}

// Outcome is the next case snapshot plus what must be persisted with the event.
type Outcome struct {
	Case     Case
	Metadata map[string]any
	// LedgerTarget is set when the event resolves the escrow transaction.
	LedgerTarget *ledger.TransactionStatus
}

// Apply folds one event into the case snapshot. It has no side effects.
func Apply(c Case, in EventInput, env ApplyEnv) (Outcome, error) {
	if c.Stage == StageResolved {
		return Outcome{}, ErrCaseResolved
	}
	if !in.ActionType.Valid() {
		return Outcome{}, apperr.Validationf("dispute: unknown action type %q", in.ActionType)
	}
	if in.TransactionResolution != nil && in.ActionType != ActionStatusChange {
		return Outcome{}, fmt.Errorf("%s events cannot resolve the transaction: %w", in.ActionType, ErrResolutionNotAllowed)
	}

	next := c
	changes := make(map[string]any, 4)

	switch in.ActionType {
	case ActionComment, ActionSystemNotice:
		if blank(in.Notes) {
			return Outcome{}, apperr.Validationf("dispute: %s requires notes", in.ActionType)
		}
	case ActionEvidenceUpload:
		if blank(in.EvidenceKey) && blank(in.EvidenceURL) {
			return Outcome{}, apperr.Validationf("dispute: evidence upload requires an evidence key or url")
		}
	case ActionDeadlineAdjusted:
		if !in.CustomerDeadline.Set && !in.ProviderDeadline.Set {
			return Outcome{}, apperr.Validationf("dispute: deadline adjustment requires at least one deadline")
		}
		if in.CustomerDeadline.Set {
			next.CustomerDeadlineAt = in.CustomerDeadline.At
			changes["customerDeadlineAt"] = timeValue(in.CustomerDeadline.At)
		}
		if in.ProviderDeadline.Set {
			next.ProviderDeadlineAt = in.ProviderDeadline.At
			changes["providerDeadlineAt"] = timeValue(in.ProviderDeadline.At)
		}
	case ActionStageAdvanced, ActionStageOverride:
		if in.Stage == nil || !in.Stage.Valid() {
			return Outcome{}, fmt.Errorf("target stage required: %w", ErrInvalidStage)
		}
		target := *in.Stage
		if in.ActionType == ActionStageAdvanced {
			want, _ := c.Stage.Next()
			if target != want {
				return Outcome{}, fmt.Errorf("%s -> %s is not the next stage: %w", c.Stage, target, ErrInvalidStage)
			}
		} else {
			if target.index() <= c.Stage.index() {
				return Outcome{}, fmt.Errorf("%s -> %s does not move forward: %w", c.Stage, target, ErrInvalidStage)
			}
			changes["previousStage"] = string(c.Stage)
		}
		if err := applyStatus(&next, in.Status, changes); err != nil {
			return Outcome{}, err
		}
		if target == StageResolved && !next.Status.Final() {
			return Outcome{}, fmt.Errorf("resolving requires a settled or closed status: %w", ErrInvalidStage)
		}
		next.Stage = target
		changes["stage"] = map[string]any{"from": string(c.Stage), "to": string(target)}
	case ActionStatusChange:
		if in.Status == nil && in.Priority == nil && in.AssignedToID == nil && in.ResolutionNotes == nil && in.TransactionResolution == nil {
			return Outcome{}, apperr.Validationf("dispute: status change carries no changes")
		}
		if err := applyStatus(&next, in.Status, changes); err != nil {
			return Outcome{}, err
		}
		if in.Priority != nil {
			if !in.Priority.Valid() {
				return Outcome{}, apperr.Validationf("dispute: unknown priority %q", *in.Priority)
			}
			next.Priority = *in.Priority
			changes["priority"] = string(*in.Priority)
		}
		if in.AssignedToID != nil {
			next.AssignedToID = emptyToNil(in.AssignedToID)
			changes["assignedToId"] = stringValue(next.AssignedToID)
		}
		if in.ResolutionNotes != nil {
			next.ResolutionNotes = emptyToNil(in.ResolutionNotes)
		}
	}

	out := Outcome{}
	settling := next.Status.Final() && next.Status != c.Status && c.Status.Active()
	if in.TransactionResolution != nil {
		target, ok := in.TransactionResolution.TransactionStatus()
		if !ok {
			return Outcome{}, apperr.Validationf("dispute: unknown transaction resolution %q", *in.TransactionResolution)
		}
		if !next.Status.Final() {
			return Outcome{}, fmt.Errorf("resolution requires a settled or closed status: %w", ErrResolutionNotAllowed)
		}
		if env.TransactionStatus != ledger.StatusDisputed {
			return Outcome{}, fmt.Errorf("transaction is %s: %w", env.TransactionStatus, ErrResolutionNotAllowed)
		}
		out.LedgerTarget = &target
		changes["transactionResolution"] = string(*in.TransactionResolution)
	} else if settling && env.TransactionStatus == ledger.StatusDisputed {
		return Outcome{}, ErrResolutionRequired
	}

	if next.Stage == StageResolved && next.Status.Final() {
		if next.ResolvedAt == nil {
			at := env.At
			next.ResolvedAt = &at
		}
	} else {
		next.ResolvedAt = nil
	}
	next.UpdatedAt = env.At

	metadata := make(map[string]any, len(in.Metadata)+len(changes))
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	for k, v := range changes {
		metadata[k] = v
	}
	out.Case = next
	out.Metadata = metadata
	return out, nil
}

func applyStatus(next *Case, status *Status, changes map[string]any) error {
	if status == nil || *status == next.Status {
		return nil
	}
	if !status.Valid() {
		return apperr.Validationf("dispute: unknown status %q", *status)
	}
	if !canChangeStatus(next.Status, *status) {
		return fmt.Errorf("%s -> %s: %w", next.Status, *status, ErrInvalidStatusTransition)
	}
	changes["status"] = map[string]any{"from": string(next.Status), "to": string(*status)}
	next.Status = *status
	return nil
}

// RequiredActions lists every permission the caller needs for in.
func RequiredActions(in EventInput) []authz.Action {
	var actions []authz.Action
	switch in.ActionType {
	case ActionComment:
		actions = append(actions, authz.ActionComment)
	case ActionEvidenceUpload:
		actions = append(actions, authz.ActionUploadEvidence)
	case ActionDeadlineAdjusted:
		actions = append(actions, authz.ActionAdjustDeadline)
	case ActionStageAdvanced:
		actions = append(actions, authz.ActionAdvanceStage)
	case ActionStageOverride:
		actions = append(actions, authz.ActionOverrideStage)
	case ActionStatusChange:
		actions = append(actions, authz.ActionChangeStatus)
	case ActionSystemNotice:
		actions = append(actions, authz.ActionSystemNotice)
	}
	if in.TransactionResolution != nil {
		actions = append(actions, authz.ActionResolveTransaction)
	}
	return actions
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

func emptyToNil(s *string) *string {
	if blank(s) {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

func stringValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
