package status

import "fmt"

// Status is a closed enumeration of fulfillment stage tokens. Values are
// stored verbatim in the database and in the SLA table; free-text input
// must never widen the set.
type Status string

const (
	PendingSample       Status = "pending_sample"
	SampleSent          Status = "sample_sent"
	SampleReceived      Status = "sample_received"
	ContentCreation     Status = "content_creation"
	ContentPublished    Status = "content_published"
	TrackingStarted     Status = "tracking_started"
	SettlementCompleted Status = "settlement_completed"
	Cancelled           Status = "cancelled"
	Expired             Status = "expired"
)

// Begin is the sentinel "from" status used only when resolving the SLA
// of a freshly created record's first stage. It is not a real stage and
// never appears on a record.
const Begin Status = ""

var all = []Status{
	PendingSample, SampleSent, SampleReceived, ContentCreation,
	ContentPublished, TrackingStarted, SettlementCompleted,
	Cancelled, Expired,
}

// Parse validates a raw token against the closed enumeration.
func Parse(raw string) (Status, error) {
	for _, s := range all {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// All returns every valid status token.
func All() []Status {
	out := make([]Status, len(all))
	copy(out, all)
	return out
}

// IsTerminal reports whether a status has no outgoing edges.
func (s Status) IsTerminal() bool {
	switch s {
	case SettlementCompleted, Cancelled, Expired:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Topology is the status sequence dictated by whether a plan requires a
// physical sample.
type Topology int

const (
	SampleRequired Topology = iota
	SampleNotRequired
)

var sequences = map[Topology][]Status{
	SampleRequired: {
		PendingSample, SampleSent, SampleReceived, ContentCreation,
		ContentPublished, TrackingStarted, SettlementCompleted,
	},
	SampleNotRequired: {
		ContentCreation, ContentPublished, TrackingStarted,
		SettlementCompleted,
	},
}

// ForPlan maps the plan's sample requirement onto its topology.
func ForPlan(requiresSample bool) Topology {
	if requiresSample {
		return SampleRequired
	}
	return SampleNotRequired
}

// Sequence returns a copy of the topology's forward status order.
func (t Topology) Sequence() []Status {
	seq := sequences[t]
	out := make([]Status, len(seq))
	copy(out, seq)
	return out
}

// Initial returns the first status of the topology.
func (t Topology) Initial() Status {
	return sequences[t][0]
}

// Final returns the last forward status of the topology.
func (t Topology) Final() Status {
	seq := sequences[t]
	return seq[len(seq)-1]
}

// Successor returns the implied next forward status after s, if any.
func (t Topology) Successor(s Status) (Status, bool) {
	seq := sequences[t]
	for i, cur := range seq {
		if cur == s && i+1 < len(seq) {
			return seq[i+1], true
		}
	}
	return "", false
}

// NextPossible returns the ordered set of legal next statuses from s:
// the topology successor first, then the universal cancel edge.
// Terminal statuses have no outgoing edges.
func (t Topology) NextPossible(s Status) []Status {
	if s.IsTerminal() {
		return nil
	}
	var next []Status
	if succ, ok := t.Successor(s); ok {
		next = append(next, succ)
	}
	next = append(next, Cancelled)
	return next
}

// ValidTransition reports whether from -> to is a legal edge. It is a
// pure function of its inputs.
func (t Topology) ValidTransition(from, to Status) bool {
	for _, s := range t.NextPossible(from) {
		if s == to {
			return true
		}
	}
	return false
}

// Contains reports whether s is part of the topology's forward sequence.
func (t Topology) Contains(s Status) bool {
	for _, cur := range sequences[t] {
		if cur == s {
			return true
		}
	}
	return false
}
