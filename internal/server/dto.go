package server

import (
	"collabflow/internal/domain"
	"collabflow/internal/engine"
	"collabflow/internal/repo"
	"collabflow/internal/sla"
	"collabflow/internal/status"
)

// Request payloads

type CreateRecordRequest struct {
	ID       *string `json:"id,omitempty"`
	PlanID   string  `json:"plan_id"`
	Subject  *string `json:"subject,omitempty"`
	Priority *string `json:"priority,omitempty" enum:"high,medium,low"`
}

type TransitionRequest struct {
	ToStatus string  `json:"to_status" enum:"pending_sample,sample_sent,sample_received,content_creation,content_published,tracking_started,settlement_completed,cancelled,expired"`
	Reason   *string `json:"reason,omitempty" enum:"manual,system"`
	Remarks  *string `json:"remarks,omitempty"`
}

// Response payloads

type PlanResponse struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	RequiresSample bool              `json:"requires_sample"`
	InitialStatus  string            `json:"initial_status"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	SLARules       []SLARuleResponse `json:"sla_rules,omitempty"`
}

type SLARuleResponse struct {
	FromStatus    *string  `json:"from_status,omitempty"`
	ToStatus      string   `json:"to_status"`
	DurationHours *float64 `json:"duration_hours,omitempty"`
}

type RecordResponse struct {
	ID             string `json:"id"`
	PlanID         string `json:"plan_id"`
	Subject        string `json:"subject,omitempty"`
	CurrentStatus  string `json:"current_status"`
	StageStartTime int64  `json:"stage_start_time"`
	StageDeadline  *int64 `json:"stage_deadline,omitempty"`
	OverdueHint    bool   `json:"overdue_hint"`
	Priority       string `json:"priority" enum:"high,medium,low"`
	RecordStatus   string `json:"record_status" enum:"active,completed,cancelled"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type StatusLogEntryResponse struct {
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

type TransitionResponse struct {
	Record       RecordResponse         `json:"record"`
	LogEntry     StatusLogEntryResponse `json:"log_entry"`
	NextStatuses []string               `json:"next_possible_statuses"`
}

type CurrentSLAResponse struct {
	Kind  string   `json:"kind" enum:"bounded,unbounded,missing"`
	Hours *float64 `json:"hours,omitempty"`
}

type StatusInfoResponse struct {
	Record       RecordResponse     `json:"record"`
	Plan         PlanResponse       `json:"plan"`
	NextStatuses []string           `json:"next_possible_statuses"`
	CurrentSLA   CurrentSLAResponse `json:"current_sla"`
}

type StatusLogPageResponse struct {
	Entries    []StatusLogEntryResponse `json:"entries"`
	Stats      repo.LegStats            `json:"stats"`
	Pagination PaginationResponse       `json:"pagination"`
}

type PaginationResponse struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

type paginatedRecords struct {
	Items      []RecordResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// Conversion helpers

func planResponse(p domain.Plan, rules []domain.SLARule) PlanResponse {
	out := PlanResponse{
		ID:             p.ID,
		Name:           p.Name,
		RequiresSample: p.RequiresSample,
		InitialStatus:  p.InitialStatus,
		CreatedAt:      p.CreatedAt,
	}
	for _, r := range rules {
		out.SLARules = append(out.SLARules, SLARuleResponse{
			FromStatus:    r.FromStatus,
			ToStatus:      r.ToStatus,
			DurationHours: r.DurationHours,
		})
	}
	return out
}

func recordResponse(rec domain.FulfillmentRecord) RecordResponse {
	return RecordResponse{
		ID:             rec.ID,
		PlanID:         rec.PlanID,
		Subject:        rec.Subject,
		CurrentStatus:  rec.CurrentStatus,
		StageStartTime: rec.StageStartTime,
		StageDeadline:  rec.StageDeadline,
		OverdueHint:    rec.OverdueHint,
		Priority:       rec.Priority,
		RecordStatus:   rec.RecordStatus,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func mapRecords(in []domain.FulfillmentRecord) []RecordResponse {
	out := make([]RecordResponse, 0, len(in))
	for _, rec := range in {
		out = append(out, recordResponse(rec))
	}
	return out
}

func logEntryResponse(e domain.StatusLogEntry) StatusLogEntryResponse {
	return StatusLogEntryResponse(e)
}

func mapLogEntries(in []domain.StatusLogEntry) []StatusLogEntryResponse {
	out := make([]StatusLogEntryResponse, 0, len(in))
	for _, e := range in {
		out = append(out, logEntryResponse(e))
	}
	return out
}

func statusStrings(in []status.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func currentSLAResponse(res sla.Resolution) CurrentSLAResponse {
	out := CurrentSLAResponse{Kind: res.Kind.String()}
	if res.Kind == sla.Bounded {
		h := res.Hours
		out.Hours = &h
	}
	return out
}

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		Record:       recordResponse(res.Record),
		LogEntry:     logEntryResponse(res.LogEntry),
		NextStatuses: statusStrings(res.NextPossible),
	}
}
