// Package sla classifies dispute deadlines and aggregates them over a set of
// cases. Everything here is pure; callers supply the clock.
package sla

import (
	"sort"
	"time"

	"trustledger/authz"
	"trustledger/dispute"
)

// DefaultWindow is how far ahead a deadline counts as at risk.
const DefaultWindow = 72 * time.Hour

type Severity string

const (
	SeverityNone     Severity = ""
	SeverityAtRisk   Severity = "at_risk"
	SeverityBreached Severity = "breached"
)

// ClassifyDeadline returns breached when dueAt has passed, at_risk when it
// falls inside [now, now+window], and SeverityNone otherwise or when dueAt is nil.
func ClassifyDeadline(now time.Time, dueAt *time.Time, window time.Duration) Severity {
	if dueAt == nil {
		return SeverityNone
	}
	if dueAt.Before(now) {
		return SeverityBreached
	}
	if !dueAt.After(now.Add(window)) {
		return SeverityAtRisk
	}
	return SeverityNone
}

// Deadline is one party deadline on a case.
type Deadline struct {
	CaseID   string
	Party    authz.DeadlineParty
	DueAt    time.Time
	Severity Severity
}

func (d Deadline) PastDue() bool {
	return d.Severity == SeverityBreached
}

var parties = []authz.DeadlineParty{authz.PartyCustomer, authz.PartyProvider}

// Deadlines lists the set deadlines of c, customer first.
func Deadlines(now time.Time, c dispute.Case, window time.Duration) []Deadline {
	out := make([]Deadline, 0, 2)
	for _, party := range parties {
		due := c.Deadline(party)
		if due == nil {
			continue
		}
		out = append(out, Deadline{
			CaseID:   c.ID,
			Party:    party,
			DueAt:    *due,
			Severity: ClassifyDeadline(now, due, window),
		})
	}
	return out
}

// Summary aggregates SLA figures over a case set.
type Summary struct {
	DueWithinWindow int
	UrgentCases     int
	ByStage         map[dispute.Stage]int
	ByStatus        map[dispute.Status]int
}

// Aggregate counts active cases with any deadline on or before now+window
// (breached included) and active urgent cases. ByStage and ByStatus cover
// every case.
func Aggregate(now time.Time, cases []dispute.Case, window time.Duration) Summary {
	s := Summary{
		ByStage:  make(map[dispute.Stage]int, 4),
		ByStatus: make(map[dispute.Status]int, 5),
	}
	horizon := now.Add(window)
	for _, c := range cases {
		s.ByStage[c.Stage]++
		s.ByStatus[c.Status]++
		if !c.Status.Active() {
			continue
		}
		if c.Priority == dispute.PriorityUrgent {
			s.UrgentCases++
		}
		for _, party := range parties {
			if due := c.Deadline(party); due != nil && !due.After(horizon) {
				s.DueWithinWindow++
				break
			}
		}
	}
	return s
}

// UpcomingDeadlines returns every deadline of the active cases, nearest first.
func UpcomingDeadlines(now time.Time, cases []dispute.Case, window time.Duration) []Deadline {
	var out []Deadline
	for _, c := range cases {
		if !c.Status.Active() {
			continue
		}
		out = append(out, Deadlines(now, c, window)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out
}
