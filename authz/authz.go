// Package authz maps a caller's role set to a single actor type and decides
// which dispute actions that actor type may perform.
package authz

import (
	"fmt"
	"strings"

	"trustledger/apperr"
)

type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorProvider ActorType = "provider"
	ActorMediator ActorType = "mediator"
	ActorAdmin    ActorType = "admin"
	ActorSystem   ActorType = "system"
)

func (a ActorType) Valid() bool {
	switch a {
	case ActorCustomer, ActorProvider, ActorMediator, ActorAdmin, ActorSystem:
		return true
	}
	return false
}

// Privileged actors see every case regardless of ownership.
func (a ActorType) Privileged() bool {
	return a == ActorMediator || a == ActorAdmin || a == ActorSystem
}

type Action string

const (
	ActionViewCase           Action = "view_case"
	ActionComment            Action = "comment"
	ActionUploadEvidence     Action = "upload_evidence"
	ActionOpenCase           Action = "open_case"
	ActionAdjustDeadline     Action = "adjust_deadline"
	ActionAdvanceStage       Action = "advance_stage"
	ActionOverrideStage      Action = "override_stage"
	ActionChangeStatus       Action = "change_status"
	ActionResolveTransaction Action = "resolve_transaction"
	ActionSystemNotice       Action = "system_notice"
)

var ErrForbidden = fmt.Errorf("authz: action not permitted: %w", apperr.ErrForbidden)

// priority lists actor types from strongest to weakest.
var priority = []ActorType{ActorAdmin, ActorMediator, ActorProvider, ActorCustomer, ActorSystem}

var aliases = map[string]ActorType{
	"admin":            ActorAdmin,
	"super_admin":      ActorAdmin,
	"platform_admin":   ActorAdmin,
	"mediator":         ActorMediator,
	"trust":            ActorMediator,
	"trust_safety":     ActorMediator,
	"trust_and_safety": ActorMediator,
	"arbitrator":       ActorMediator,
	"provider":         ActorProvider,
	"freelancer":       ActorProvider,
	"service_provider": ActorProvider,
	"seller":           ActorProvider,
	"agency":           ActorProvider,
	"customer":         ActorCustomer,
	"client":           ActorCustomer,
	"buyer":            ActorCustomer,
	"system":           ActorSystem,
	"service":          ActorSystem,
}

var permissions = map[Action][]ActorType{
	ActionViewCase:           {ActorCustomer, ActorProvider, ActorMediator, ActorAdmin, ActorSystem},
	ActionComment:            {ActorCustomer, ActorProvider, ActorMediator, ActorAdmin, ActorSystem},
	ActionUploadEvidence:     {ActorCustomer, ActorProvider, ActorMediator, ActorAdmin, ActorSystem},
	ActionOpenCase:           {ActorCustomer, ActorProvider, ActorAdmin},
	ActionAdjustDeadline:     {ActorMediator, ActorAdmin, ActorSystem},
	ActionAdvanceStage:       {ActorMediator, ActorAdmin, ActorSystem},
	ActionChangeStatus:       {ActorMediator, ActorAdmin, ActorSystem},
	ActionResolveTransaction: {ActorMediator, ActorAdmin},
	ActionOverrideStage:      {ActorAdmin},
	ActionSystemNotice:       {ActorAdmin, ActorSystem},
}

// ResolveActorType picks the strongest actor type among roles. Unknown roles
// are ignored; a caller with no recognised role is a customer.
func ResolveActorType(roles []string) ActorType {
	found := make(map[ActorType]bool, len(roles))
	for _, role := range roles {
		normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(role)), "-", "_")
		if actor, ok := aliases[normalized]; ok {
			found[actor] = true
		}
	}
	for _, actor := range priority {
		if found[actor] {
			return actor
		}
	}
	return ActorCustomer
}

// Can reports whether actor may perform action.
func Can(actor ActorType, action Action) bool {
	for _, allowed := range permissions[action] {
		if allowed == actor {
			return true
		}
	}
	return false
}

// Authorize returns ErrForbidden when actor may not perform action.
func Authorize(actor ActorType, action Action) error {
	if !Can(actor, action) {
		return fmt.Errorf("%s may not %s: %w", actor, action, ErrForbidden)
	}
	return nil
}

// Principal is the caller identity resolved once per request.
type Principal struct {
	UserID    string
	ActorType ActorType
}

func NewPrincipal(userID string, roles []string) Principal {
	return Principal{UserID: userID, ActorType: ResolveActorType(roles)}
}

// SystemPrincipal identifies background jobs.
func SystemPrincipal(id string) Principal {
	return Principal{UserID: id, ActorType: ActorSystem}
}

func (p Principal) Authorize(action Action) error {
	return Authorize(p.ActorType, action)
}

type DeadlineParty string

const (
	PartyCustomer DeadlineParty = "customer"
	PartyProvider DeadlineParty = "provider"
)

// DeadlinePartyFor returns the deadline the actor type is responsible for.
func DeadlinePartyFor(actor ActorType) (DeadlineParty, bool) {
	switch actor {
	case ActorCustomer:
		return PartyCustomer, true
	case ActorProvider:
		return PartyProvider, true
	}
	return "", false
}
