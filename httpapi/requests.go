package httpapi

import (
	"encoding/json"
	"time"

	"trustledger/dispute"
)

type openCaseRequest struct {
	TransactionID      string         `json:"transactionId" validate:"required,uuid"`
	ReasonCode         string         `json:"reasonCode" validate:"required,max=64"`
	Summary            *string        `json:"summary" validate:"omitempty,max=2000"`
	Priority           *string        `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	CustomerDeadlineAt *time.Time     `json:"customerDeadlineAt"`
	ProviderDeadlineAt *time.Time     `json:"providerDeadlineAt"`
	Metadata           map[string]any `json:"metadata"`
}

func (r openCaseRequest) params() dispute.OpenCaseParams {
	params := dispute.OpenCaseParams{
		TransactionID:      r.TransactionID,
		ReasonCode:         r.ReasonCode,
		Summary:            r.Summary,
		CustomerDeadlineAt: r.CustomerDeadlineAt,
		ProviderDeadlineAt: r.ProviderDeadlineAt,
		Metadata:           r.Metadata,
	}
	if r.Priority != nil {
		p := dispute.Priority(*r.Priority)
		params.Priority = &p
	}
	return params
}

// optionalTime tells an omitted deadline apart from an explicit null.
type optionalTime struct {
	Set bool
	At  *time.Time
}

func (o *optionalTime) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.At = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	o.At = &t
	return nil
}

type appendEventRequest struct {
	ActionType            string         `json:"actionType" validate:"required,oneof=comment evidence_upload deadline_adjusted stage_advanced stage_override status_change system_notice"`
	Notes                 *string        `json:"notes" validate:"omitempty,max=5000"`
	EvidenceKey           *string        `json:"evidenceKey" validate:"omitempty,max=512"`
	EvidenceURL           *string        `json:"evidenceUrl" validate:"omitempty,url"`
	EvidenceFileName      *string        `json:"evidenceFileName" validate:"omitempty,max=255"`
	EvidenceContentType   *string        `json:"evidenceContentType" validate:"omitempty,max=255"`
	Stage                 *string        `json:"stage" validate:"omitempty,oneof=intake mediation arbitration resolved"`
	Status                *string        `json:"status" validate:"omitempty,oneof=open awaiting_customer under_review settled closed"`
	Priority              *string        `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
	AssignedToID          *string        `json:"assignedToId"`
	ResolutionNotes       *string        `json:"resolutionNotes" validate:"omitempty,max=5000"`
	TransactionResolution *string        `json:"transactionResolution" validate:"omitempty,oneof=release refund hold"`
	CustomerDeadlineAt    optionalTime   `json:"customerDeadlineAt"`
	ProviderDeadlineAt    optionalTime   `json:"providerDeadlineAt"`
	Metadata              map[string]any `json:"metadata"`
}

func (r appendEventRequest) input() dispute.EventInput {
	in := dispute.EventInput{
		ActionType:          dispute.ActionType(r.ActionType),
		Notes:               r.Notes,
		EvidenceKey:         r.EvidenceKey,
		EvidenceURL:         r.EvidenceURL,
		EvidenceFileName:    r.EvidenceFileName,
		EvidenceContentType: r.EvidenceContentType,
		AssignedToID:        r.AssignedToID,
		ResolutionNotes:     r.ResolutionNotes,
		CustomerDeadline:    dispute.DeadlineChange{Set: r.CustomerDeadlineAt.Set, At: r.CustomerDeadlineAt.At},
		ProviderDeadline:    dispute.DeadlineChange{Set: r.ProviderDeadlineAt.Set, At: r.ProviderDeadlineAt.At},
		Metadata:            r.Metadata,
	}
	if r.Stage != nil {
		v := dispute.Stage(*r.Stage)
		in.Stage = &v
	}
	if r.Status != nil {
		v := dispute.Status(*r.Status)
		in.Status = &v
	}
	if r.Priority != nil {
		v := dispute.Priority(*r.Priority)
		in.Priority = &v
	}
	if r.TransactionResolution != nil {
		v := dispute.Resolution(*r.TransactionResolution)
		in.TransactionResolution = &v
	}
	return in
}

type eventResponse struct {
	ID                  string         `json:"id"`
	DisputeCaseID       string         `json:"disputeCaseId"`
	ActorID             string         `json:"actorId"`
	ActorType           string         `json:"actorType"`
	ActionType          string         `json:"actionType"`
	Notes               *string        `json:"notes,omitempty"`
	EvidenceKey         *string        `json:"evidenceKey,omitempty"`
	EvidenceURL         *string        `json:"evidenceUrl,omitempty"`
	EvidenceFileName    *string        `json:"evidenceFileName,omitempty"`
	EvidenceContentType *string        `json:"evidenceContentType,omitempty"`
	EventAt             string         `json:"eventAt"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

type caseResponse struct {
	ID                  string          `json:"id"`
	EscrowTransactionID string          `json:"escrowTransactionId"`
	OpenedByID          string          `json:"openedById"`
	AssignedToID        *string         `json:"assignedToId,omitempty"`
	Stage               string          `json:"stage"`
	Status              string          `json:"status"`
	Priority            string          `json:"priority"`
	ReasonCode          string          `json:"reasonCode"`
	Summary             *string         `json:"summary,omitempty"`
	CustomerDeadlineAt  *string         `json:"customerDeadlineAt,omitempty"`
	ProviderDeadlineAt  *string         `json:"providerDeadlineAt,omitempty"`
	ResolutionNotes     *string         `json:"resolutionNotes,omitempty"`
	OpenedAt            string          `json:"openedAt"`
	ResolvedAt          *string         `json:"resolvedAt,omitempty"`
	Events              []eventResponse `json:"events,omitempty"`
}

type appendEventResponse struct {
	Case  caseResponse  `json:"case"`
	Event eventResponse `json:"event"`
}

func toCaseResponse(c dispute.Case, events []dispute.Event) caseResponse {
	resp := caseResponse{
		ID:                  c.ID,
		EscrowTransactionID: c.EscrowTransactionID,
		OpenedByID:          c.OpenedByID,
		AssignedToID:        c.AssignedToID,
		Stage:               string(c.Stage),
		Status:              string(c.Status),
		Priority:            string(c.Priority),
		ReasonCode:          c.ReasonCode,
		Summary:             c.Summary,
		CustomerDeadlineAt:  formatTime(c.CustomerDeadlineAt),
		ProviderDeadlineAt:  formatTime(c.ProviderDeadlineAt),
		ResolutionNotes:     c.ResolutionNotes,
		OpenedAt:            c.OpenedAt.UTC().Format(time.RFC3339),
		ResolvedAt:          formatTime(c.ResolvedAt),
	}
	for _, e := range events {
		resp.Events = append(resp.Events, toEventResponse(e))
	}
	return resp
}

func toEventResponse(e dispute.Event) eventResponse {
	return eventResponse{
		ID:                  e.ID,
		DisputeCaseID:       e.DisputeCaseID,
		ActorID:             e.ActorID,
		ActorType:           string(e.ActorType),
		ActionType:          string(e.ActionType),
		Notes:               e.Notes,
		EvidenceKey:         e.EvidenceKey,
		EvidenceURL:         e.EvidenceURL,
		EvidenceFileName:    e.EvidenceFileName,
		EvidenceContentType: e.EvidenceContentType,
		EventAt:             e.EventAt.UTC().Format(time.RFC3339),
		Metadata:            e.Metadata,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
