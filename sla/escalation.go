package sla

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trustledger/authz"
	"trustledger/dispute"
	"trustledger/logging"
)

// PendingEscalations returns the breached deadlines of an active case that
// have not been escalated for the same due time.
func PendingEscalations(now time.Time, c dispute.Case) []Deadline {
	if !c.Status.Active() || c.Stage == dispute.StageResolved {
		return nil
	}
	var out []Deadline
	for _, d := range Deadlines(now, c, 0) {
		if !d.PastDue() {
			continue
		}
		if dispute.EscalatedAt(c, d.Party) == d.DueAt.UTC().Format(time.RFC3339) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// CaseSource lists active cases for a sweep.
type CaseSource interface {
	ListActive(ctx context.Context, limit int) ([]dispute.Case, error)
}

// EscalationRecorder persists one escalation.
type EscalationRecorder interface {
	RecordEscalation(ctx context.Context, caseID string, party authz.DeadlineParty, dueAt time.Time) (bool, error)
}

// SweepResult reports one escalation pass.
type SweepResult struct {
	Scanned   int
	Escalated int
	Failed    int
}

// Escalator runs escalation sweeps over active cases.
type Escalator struct {
	cases     CaseSource
	recorder  EscalationRecorder
	log       *zap.Logger
	batchSize int
	now       func() time.Time
}

func NewEscalator(cases CaseSource, recorder EscalationRecorder, batchSize int, log *zap.Logger) *Escalator {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Escalator{
		cases:     cases,
		recorder:  recorder,
		log:       logging.OrNop(log),
		batchSize: batchSize,
		now:       time.Now,
	}
}

func (e *Escalator) WithClock(now func() time.Time) *Escalator {
	e.now = now
	return e
}

// Sweep escalates every pending breach once. A failure on one case is logged
// and counted; the sweep continues with the next.
func (e *Escalator) Sweep(ctx context.Context) (SweepResult, error) {
	cases, err := e.cases.ListActive(ctx, e.batchSize)
	if err != nil {
		return SweepResult{}, err
	}
	now := e.now().UTC()
	res := SweepResult{Scanned: len(cases)}
	for _, c := range cases {
		for _, d := range PendingEscalations(now, c) {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			recorded, err := e.recorder.RecordEscalation(ctx, c.ID, d.Party, d.DueAt)
			if err != nil {
				res.Failed++
				e.log.Warn("record escalation failed",
					zap.String("case_id", c.ID),
					zap.String("party", string(d.Party)),
					zap.Error(err))
				continue
			}
			if recorded {
				res.Escalated++
			}
		}
	}
	e.log.Info("escalation sweep finished",
		zap.Int("scanned", res.Scanned),
		zap.Int("escalated", res.Escalated),
		zap.Int("failed", res.Failed))
	return res, nil
}
