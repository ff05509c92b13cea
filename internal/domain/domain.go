package domain

type Plan struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	RequiresSample bool   `json:"requires_sample"`
	InitialStatus  string `json:"initial_status"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// SLARule maps one (plan, from, to) edge to an expected stage duration.
// A nil FromStatus is the creation sentinel: it bounds a new record's
// first stage. A nil DurationHours means the stage is unbounded.
type SLARule struct {
	PlanID        string   `json:"plan_id"`
	FromStatus    *string  `json:"from_status,omitempty"`
	ToStatus      string   `json:"to_status"`
	DurationHours *float64 `json:"duration_hours,omitempty"`
}

type FulfillmentRecord struct {
	ID             string `json:"id"`
	PlanID         string `json:"plan_id"`
	Subject        string `json:"subject,omitempty"`
	CurrentStatus  string `json:"current_status"`
	StageStartTime int64  `json:"stage_start_time"`
	StageDeadline  *int64 `json:"stage_deadline,omitempty"`
	// OverdueHint is a last-known-value written on transition. Monitoring
	// always re-derives overdue from timestamps and never trusts it.
	OverdueHint  bool   `json:"overdue_hint"`
	Priority     string `json:"priority" enum:"high,medium,low"`
	RecordStatus string `json:"record_status" enum:"active,completed,cancelled"`
	Version      int64  `json:"version"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// StatusLogEntry is one completed leg. Rows are append-only; ordered by
// created_at they chain contiguously for a record with no time gaps.
type StatusLogEntry struct {
	ID                   string   `json:"id"`
	RecordID             string   `json:"record_id"`
	FromStatus           *string  `json:"from_status,omitempty"`
	ToStatus             string   `json:"to_status"`
	StageStartTime       int64    `json:"stage_start_time"`
	StageEndTime         int64    `json:"stage_end_time"`
	StageDeadline        *int64   `json:"stage_deadline,omitempty"`
	PlannedDurationHours *float64 `json:"planned_duration_hours,omitempty"`
	ActualDurationHours  float64  `json:"actual_duration_hours"`
	IsOverdue            bool     `json:"is_overdue"`
	OverdueHours         float64  `json:"overdue_hours"`
	ChangeReason         string   `json:"change_reason" enum:"manual,system,forced"`
	Remarks              string   `json:"remarks,omitempty"`
	OperatorID           string   `json:"operator_id"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

// FromStatusOrEmpty unwraps FromStatus, returning "" for the creation leg.
func (e StatusLogEntry) FromStatusOrEmpty() string {
	if e.FromStatus == nil {
		return ""
	}
	return *e.FromStatus
}
