package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"collabflow/internal/domain"
	"collabflow/internal/repo"
	"collabflow/internal/sla"
	"collabflow/internal/stagelog"
	"collabflow/internal/status"
)

// Change reasons recorded on status-log rows.
const (
	ReasonManual = "manual"
	ReasonSystem = "system"
	ReasonForced = "forced"
)

// Record statuses.
const (
	RecordActive    = "active"
	RecordCompleted = "completed"
	RecordCancelled = "cancelled"
)

// ErrConflict signals a concurrent transition won the version check.
// The caller should re-read the record and retry.
var ErrConflict = errors.New("record changed concurrently; re-read and retry")

// InvalidStateError is returned when a transition targets an already
// closed record.
type InvalidStateError struct {
	RecordID     string
	RecordStatus string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("record %s is %s and accepts no transitions", e.RecordID, e.RecordStatus)
}

// IllegalTransitionError is the routine rejection of an off-graph edge.
// It carries the legal alternatives so callers can present them.
type IllegalTransitionError struct {
	From      status.Status
	To        status.Status
	Suggested []status.Status
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// Mode makes a forced bypass explicit at every call site instead of a
// boolean buried in validation.
type Mode int

const (
	Normal Mode = iota
	Forced
)

// TransitionRequest is one requested status change.
type TransitionRequest struct {
	RecordID   string
	To         status.Status
	Mode       Mode
	Reason     string
	Remarks    string
	OperatorID string
}

// TransitionResult is the outcome of a successful transition.
type TransitionResult struct {
	Record       domain.FulfillmentRecord
	LogEntry     domain.StatusLogEntry
	NextPossible []status.Status
}

// Engine is the sole writer of FulfillmentRecord.CurrentStatus.
type Engine struct {
	DB   *sql.DB
	Repo repo.Repo
	Log  stagelog.Writer
	Now  func() time.Time

	slaTable *atomic.Pointer[sla.Table]
}

func New(db *sql.DB, table *sla.Table) Engine {
	p := &atomic.Pointer[sla.Table]{}
	p.Store(table)
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Log:      stagelog.Writer{DB: db},
		Now:      time.Now,
		slaTable: p,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SLATable returns the current immutable SLA lookup.
func (e Engine) SLATable() *sla.Table {
	return e.slaTable.Load()
}

// SwapSLATable atomically replaces the SLA lookup, e.g. on config
// reload. Readers always see either the old or the new table whole.
func (e Engine) SwapSLATable(t *sla.Table) {
	e.slaTable.Store(t)
}

// CreateRecordOptions are parameters for opening a fulfillment record.
type CreateRecordOptions struct {
	ID         string
	PlanID     string
	Subject    string
	Priority   string
	OperatorID string
}

// CreateRecord opens a record at the plan's initial status, with the
// first stage deadline resolved against the creation sentinel rule.
func (e Engine) CreateRecord(ctx context.Context, opts CreateRecordOptions) (domain.FulfillmentRecord, error) {
	if opts.PlanID == "" {
		return domain.FulfillmentRecord{}, errors.New("plan is required")
	}
	plan, err := e.Repo.GetPlan(ctx, opts.PlanID)
	if err != nil {
		return domain.FulfillmentRecord{}, err
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
	}
	switch opts.Priority {
	case "high", "medium", "low":
	default:
		return domain.FulfillmentRecord{}, fmt.Errorf("invalid priority %q", opts.Priority)
	}
	topo := status.ForPlan(plan.RequiresSample)
	initial := topo.Initial()
	now := e.now().UTC()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	rec := domain.FulfillmentRecord{
		ID:             id,
		PlanID:         plan.ID,
		Subject:        opts.Subject,
		CurrentStatus:  string(initial),
		StageStartTime: now.Unix(),
		Priority:       opts.Priority,
		RecordStatus:   RecordActive,
		Version:        1,
		CreatedAt:      now.Format(time.RFC3339),
		UpdatedAt:      now.Format(time.RFC3339),
	}
	if res := e.SLATable().Resolve(plan.ID, status.Begin, initial); res.Kind == sla.Bounded {
		deadline := now.Unix() + int64(res.Hours*3600)
		rec.StageDeadline = &deadline
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRecordTx(ctx, tx, rec); err != nil {
		return rec, err
	}
	if err := tx.Commit(); err != nil {
		return rec, err
	}
	return rec, nil
}

// Transition moves a record to the requested status: validates the edge
// (or bypasses it under Forced), computes the completed leg's planned
// and actual duration with the strict-greater overdue rule, appends
// exactly one status-log row and rewrites the record, all as one atomic
// unit guarded by an optimistic version check.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	var out TransitionResult
	to, err := status.Parse(string(req.To))
	if err != nil {
		return out, err
	}
	switch req.Reason {
	case "", ReasonManual:
		req.Reason = ReasonManual
	case ReasonSystem:
	default:
		return out, fmt.Errorf("invalid reason %q", req.Reason)
	}
	if req.OperatorID == "" {
		return out, errors.New("operator is required")
	}

	rec, err := e.Repo.GetRecord(ctx, req.RecordID)
	if err != nil {
		return out, err
	}
	plan, err := e.Repo.GetPlan(ctx, rec.PlanID)
	if err != nil {
		return out, err
	}
	if rec.RecordStatus != RecordActive {
		return out, InvalidStateError{RecordID: rec.ID, RecordStatus: rec.RecordStatus}
	}
	cur, err := status.Parse(rec.CurrentStatus)
	if err != nil {
		return out, fmt.Errorf("record %s holds unknown status: %w", rec.ID, err)
	}
	topo := status.ForPlan(plan.RequiresSample)
	reason := req.Reason
	if req.Mode == Forced {
		reason = ReasonForced
	} else if !topo.ValidTransition(cur, to) {
		return out, IllegalTransitionError{From: cur, To: to, Suggested: topo.NextPossible(cur)}
	}

	now := e.now().UTC()
	nowUnix := now.Unix()
	actual := float64(nowUnix-rec.StageStartTime) / 3600

	// Resolved even under Forced so overdue accounting stays meaningful.
	res := e.SLATable().Resolve(plan.ID, cur, to)
	var planned *float64
	if res.Kind == sla.Bounded {
		h := res.Hours
		planned = &h
	}
	isOverdue := planned != nil && actual > *planned
	overdueHours := 0.0
	if planned != nil && actual > *planned {
		overdueHours = actual - *planned
	}

	from := string(cur)
	entry := domain.StatusLogEntry{
		RecordID:             rec.ID,
		FromStatus:           &from,
		ToStatus:             string(to),
		StageStartTime:       rec.StageStartTime,
		StageEndTime:         nowUnix,
		StageDeadline:        rec.StageDeadline,
		PlannedDurationHours: planned,
		ActualDurationHours:  actual,
		IsOverdue:            isOverdue,
		OverdueHours:         overdueHours,
		ChangeReason:         reason,
		Remarks:              req.Remarks,
		OperatorID:           req.OperatorID,
		CreatedAt:            now.Format(time.RFC3339),
	}

	// Next leg's bound comes from the topology's implied successor.
	var nextDeadline *int64
	if succ, ok := topo.Successor(to); ok {
		if nres := e.SLATable().Resolve(plan.ID, to, succ); nres.Kind == sla.Bounded {
			d := nowUnix + int64(nres.Hours*3600)
			nextDeadline = &d
		}
	}

	expectedVersion := rec.Version
	rec.CurrentStatus = string(to)
	rec.StageStartTime = nowUnix
	rec.StageDeadline = nextDeadline
	rec.OverdueHint = false
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = now.Format(time.RFC3339)
	switch {
	case to == topo.Final():
		rec.RecordStatus = RecordCompleted
	case to == status.Cancelled:
		rec.RecordStatus = RecordCancelled
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()
	entry, err = e.Log.Append(ctx, tx, entry)
	if err != nil {
		return out, err
	}
	applied, err := e.Repo.UpdateRecordTx(ctx, tx, rec, expectedVersion)
	if err != nil {
		return out, err
	}
	if !applied {
		return out, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	return TransitionResult{
		Record:       rec,
		LogEntry:     entry,
		NextPossible: topo.NextPossible(to),
	}, nil
}

// StatusInfo is the read-only detail view of a record.
type StatusInfo struct {
	Record       domain.FulfillmentRecord
	Plan         domain.Plan
	NextPossible []status.Status
	CurrentSLA   sla.Resolution
}

// GetStatusInfo returns the record, its legal next statuses and the SLA
// governing the in-flight stage.
func (e Engine) GetStatusInfo(ctx context.Context, recordID string) (StatusInfo, error) {
	var out StatusInfo
	rec, err := e.Repo.GetRecord(ctx, recordID)
	if err != nil {
		return out, err
	}
	plan, err := e.Repo.GetPlan(ctx, rec.PlanID)
	if err != nil {
		return out, err
	}
	cur, err := status.Parse(rec.CurrentStatus)
	if err != nil {
		return out, fmt.Errorf("record %s holds unknown status: %w", rec.ID, err)
	}
	topo := status.ForPlan(plan.RequiresSample)
	out.Record = rec
	out.Plan = plan
	out.NextPossible = topo.NextPossible(cur)
	if succ, ok := topo.Successor(cur); ok {
		out.CurrentSLA = e.SLATable().Resolve(plan.ID, cur, succ)
	} else {
		out.CurrentSLA = sla.Resolution{Kind: sla.Missing}
	}
	return out, nil
}
