package sla

import (
	"fmt"

	"collabflow/internal/domain"
	"collabflow/internal/status"
)

// Kind distinguishes why a resolution has no bound. A rule stored with
// null hours is an intentionally unbounded stage; a missing rule means
// the edge was never configured. Both yield no deadline, but callers can
// tell them apart.
type Kind int

const (
	Bounded Kind = iota
	Unbounded
	Missing
)

func (k Kind) String() string {
	switch k {
	case Bounded:
		return "bounded"
	case Unbounded:
		return "unbounded"
	default:
		return "missing"
	}
}

// Resolution is the outcome of an SLA lookup. Hours is meaningful only
// when Kind is Bounded.
type Resolution struct {
	Hours float64
	Kind  Kind
}

type edge struct {
	plan string
	from string
	to   string
}

// Table is an immutable SLA lookup built once from configured rules.
// Reloads swap the whole table; it is never mutated in place.
type Table struct {
	rules map[edge]*float64
}

// NewTable validates rules and builds the lookup. It rejects unknown
// status tokens, cancellation edges (those are universal, not SLA-bound)
// and a second forward rule for the same (plan, fromStatus).
func NewTable(rules []domain.SLARule) (*Table, error) {
	t := &Table{rules: make(map[edge]*float64, len(rules))}
	seen := make(map[string]string)
	for _, r := range rules {
		if r.PlanID == "" {
			return nil, fmt.Errorf("sla rule missing plan id")
		}
		to, err := status.Parse(r.ToStatus)
		if err != nil {
			return nil, fmt.Errorf("sla rule for plan %s: %w", r.PlanID, err)
		}
		if to == status.Cancelled {
			return nil, fmt.Errorf("sla rule for plan %s: cancellation edges carry no SLA", r.PlanID)
		}
		from := status.Begin
		if r.FromStatus != nil {
			from, err = status.Parse(*r.FromStatus)
			if err != nil {
				return nil, fmt.Errorf("sla rule for plan %s: %w", r.PlanID, err)
			}
		}
		slot := r.PlanID + "|" + string(from)
		if prev, dup := seen[slot]; dup {
			return nil, fmt.Errorf("plan %s has two forward rules from %q (to %s and %s)", r.PlanID, from, prev, to)
		}
		seen[slot] = string(to)
		var hours *float64
		if r.DurationHours != nil {
			if *r.DurationHours <= 0 {
				return nil, fmt.Errorf("plan %s rule %s->%s: duration must be positive", r.PlanID, from, to)
			}
			h := *r.DurationHours
			hours = &h
		}
		t.rules[edge{plan: r.PlanID, from: string(from), to: string(to)}] = hours
	}
	return t, nil
}

// Resolve looks up the expected duration for a (plan, from, to) edge.
// Use status.Begin as from for a record's first stage.
func (t *Table) Resolve(planID string, from, to status.Status) Resolution {
	hours, ok := t.rules[edge{plan: planID, from: string(from), to: string(to)}]
	if !ok {
		return Resolution{Kind: Missing}
	}
	if hours == nil {
		return Resolution{Kind: Unbounded}
	}
	return Resolution{Hours: *hours, Kind: Bounded}
}

// Len returns the number of configured rules.
func (t *Table) Len() int { return len(t.rules) }
