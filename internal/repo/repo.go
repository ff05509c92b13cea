package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"collabflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- plans ---

func (r Repo) UpsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(id,name,requires_sample,initial_status,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, requires_sample=excluded.requires_sample, initial_status=excluded.initial_status`,
		p.ID, nullable(p.Name), boolInt(p.RequiresSample), p.InitialStatus, p.CreatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	var p domain.Plan
	var name sql.NullString
	var requiresSample int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,requires_sample,initial_status,created_at FROM plans WHERE id=?`, id).
		Scan(&p.ID, &name, &requiresSample, &p.InitialStatus, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if name.Valid {
		p.Name = name.String
	}
	p.RequiresSample = requiresSample != 0
	return p, nil
}

func (r Repo) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,requires_sample,initial_status,created_at FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		var name sql.NullString
		var requiresSample int
		if err := rows.Scan(&p.ID, &name, &requiresSample, &p.InitialStatus, &p.CreatedAt); err != nil {
			return nil, err
		}
		if name.Valid {
			p.Name = name.String
		}
		p.RequiresSample = requiresSample != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- sla rules ---

// ReplaceSLARulesTx swaps the persisted rule set for a plan in one
// statement sequence; config sync calls this inside a single tx so the
// table is never observed half-replaced.
func (r Repo) ReplaceSLARulesTx(ctx context.Context, tx *sql.Tx, planID string, rules []domain.SLARule) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM sla_rules WHERE plan_id=?`, planID); err != nil {
		return err
	}
	for _, rule := range rules {
		if rule.PlanID != planID {
			return fmt.Errorf("rule plan %s does not match %s", rule.PlanID, planID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO sla_rules(plan_id,from_status,to_status,duration_hours) VALUES (?,?,?,?)`,
			rule.PlanID, nullableStringPtr(rule.FromStatus), rule.ToStatus, nullableFloatPtr(rule.DurationHours)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListSLARules(ctx context.Context, planID string) ([]domain.SLARule, error) {
	clauses := []string{"1=1"}
	var args []any
	if planID != "" {
		clauses = append(clauses, "plan_id=?")
		args = append(args, planID)
	}
	query := `SELECT plan_id,from_status,to_status,duration_hours FROM sla_rules WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY plan_id, from_status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SLARule
	for rows.Next() {
		var rule domain.SLARule
		var from sql.NullString
		var hours sql.NullFloat64
		if err := rows.Scan(&rule.PlanID, &from, &rule.ToStatus, &hours); err != nil {
			return nil, err
		}
		if from.Valid {
			rule.FromStatus = &from.String
		}
		if hours.Valid {
			rule.DurationHours = &hours.Float64
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// --- fulfillment records ---

const recordColumns = `id,plan_id,subject,current_status,stage_start_time,stage_deadline,overdue_hint,priority,record_status,version,created_at,updated_at`

func scanRecord(scan func(dest ...any) error) (domain.FulfillmentRecord, error) {
	var rec domain.FulfillmentRecord
	var subject sql.NullString
	var deadline sql.NullInt64
	var hint int
	err := scan(&rec.ID, &rec.PlanID, &subject, &rec.CurrentStatus, &rec.StageStartTime, &deadline, &hint,
		&rec.Priority, &rec.RecordStatus, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if subject.Valid {
		rec.Subject = subject.String
	}
	if deadline.Valid {
		rec.StageDeadline = &deadline.Int64
	}
	rec.OverdueHint = hint != 0
	return rec, nil
}

func (r Repo) InsertRecordTx(ctx context.Context, tx *sql.Tx, rec domain.FulfillmentRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO fulfillment_records(`+recordColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.PlanID, nullable(rec.Subject), rec.CurrentStatus, rec.StageStartTime, nullableInt64Ptr(rec.StageDeadline),
		boolInt(rec.OverdueHint), rec.Priority, rec.RecordStatus, rec.Version, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) GetRecord(ctx context.Context, id string) (domain.FulfillmentRecord, error) {
	rec, err := scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM fulfillment_records WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) GetRecordTx(ctx context.Context, tx *sql.Tx, id string) (domain.FulfillmentRecord, error) {
	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM fulfillment_records WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// UpdateRecordTx writes the record only if the stored version still
// matches expectedVersion. It reports whether the write landed; false
// means a concurrent transition won the race.
func (r Repo) UpdateRecordTx(ctx context.Context, tx *sql.Tx, rec domain.FulfillmentRecord, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE fulfillment_records SET current_status=?, stage_start_time=?, stage_deadline=?, overdue_hint=?, priority=?, record_status=?, version=?, updated_at=? WHERE id=? AND version=?`,
		rec.CurrentStatus, rec.StageStartTime, nullableInt64Ptr(rec.StageDeadline), boolInt(rec.OverdueHint),
		rec.Priority, rec.RecordStatus, rec.Version, rec.UpdatedAt, rec.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type RecordFilters struct {
	PlanID          string
	Status          string
	Priority        string
	RecordStatus    string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRecords(ctx context.Context, f RecordFilters) ([]domain.FulfillmentRecord, error) {
	var clauses []string
	var args []any
	if f.PlanID != "" {
		clauses = append(clauses, "plan_id=?")
		args = append(args, f.PlanID)
	}
	if f.Status != "" {
		clauses = append(clauses, "current_status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.RecordStatus != "" {
		clauses = append(clauses, "record_status=?")
		args = append(args, f.RecordStatus)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + recordColumns + ` FROM fulfillment_records ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FulfillmentRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ListOpenRecords returns every record still in flight, oldest stage
// first so the triage view surfaces the longest-waiting work.
func (r Repo) ListOpenRecords(ctx context.Context) ([]domain.FulfillmentRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM fulfillment_records WHERE record_status='active' ORDER BY stage_start_time ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FulfillmentRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// --- status log ---

const logColumns = `id,record_id,from_status,to_status,stage_start_time,stage_end_time,stage_deadline,planned_duration_hours,actual_duration_hours,is_overdue,overdue_hours,change_reason,remarks,operator_id,created_at`

func scanLogEntry(scan func(dest ...any) error) (domain.StatusLogEntry, error) {
	var e domain.StatusLogEntry
	var from, remarks sql.NullString
	var deadline sql.NullInt64
	var planned sql.NullFloat64
	var overdue int
	err := scan(&e.ID, &e.RecordID, &from, &e.ToStatus, &e.StageStartTime, &e.StageEndTime, &deadline,
		&planned, &e.ActualDurationHours, &overdue, &e.OverdueHours, &e.ChangeReason, &remarks, &e.OperatorID, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	if from.Valid {
		e.FromStatus = &from.String
	}
	if deadline.Valid {
		e.StageDeadline = &deadline.Int64
	}
	if planned.Valid {
		e.PlannedDurationHours = &planned.Float64
	}
	if remarks.Valid {
		e.Remarks = remarks.String
	}
	e.IsOverdue = overdue != 0
	return e, nil
}

// ListLogByRecord pages a record's legs in transition order.
func (r Repo) ListLogByRecord(ctx context.Context, recordID string, page, pageSize int) ([]domain.StatusLogEntry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+logColumns+` FROM status_log WHERE record_id=? ORDER BY created_at ASC, stage_end_time ASC LIMIT ? OFFSET ?`,
		recordID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusLogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountLogByRecord(ctx context.Context, recordID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM status_log WHERE record_id=?`, recordID).Scan(&n)
	return n, err
}

// LogStatFilters narrows aggregateStats over closed legs.
type LogStatFilters struct {
	RecordID string
	PlanID   string
	ToStatus string
}

// LegStats summarizes a set of closed legs.
type LegStats struct {
	Count        int     `json:"count"`
	OverdueCount int     `json:"overdue_count"`
	AvgHours     float64 `json:"avg_actual_duration_hours"`
}

func (r Repo) AggregateLogStats(ctx context.Context, f LogStatFilters) (LegStats, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RecordID != "" {
		clauses = append(clauses, "l.record_id=?")
		args = append(args, f.RecordID)
	}
	if f.PlanID != "" {
		clauses = append(clauses, "r.plan_id=?")
		args = append(args, f.PlanID)
	}
	if f.ToStatus != "" {
		clauses = append(clauses, "l.to_status=?")
		args = append(args, f.ToStatus)
	}
	query := `SELECT count(*), COALESCE(SUM(l.is_overdue),0), COALESCE(AVG(l.actual_duration_hours),0)
FROM status_log l JOIN fulfillment_records r ON r.id=l.record_id WHERE ` + strings.Join(clauses, " AND ")
	var s LegStats
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&s.Count, &s.OverdueCount, &s.AvgHours)
	return s, err
}

// GroupedLegStats aggregates closed legs by an allowed dimension.
func (r Repo) GroupedLegStats(ctx context.Context, dimension string) (map[string]LegStats, error) {
	var expr string
	switch dimension {
	case "status":
		expr = "l.to_status"
	case "priority":
		expr = "r.priority"
	case "plan":
		expr = "r.plan_id"
	default:
		return nil, fmt.Errorf("unsupported dimension %q", dimension)
	}
	query := `SELECT ` + expr + `, count(*), COALESCE(SUM(l.is_overdue),0), COALESCE(AVG(l.actual_duration_hours),0)
FROM status_log l JOIN fulfillment_records r ON r.id=l.record_id GROUP BY ` + expr
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]LegStats{}
	for rows.Next() {
		var key string
		var s LegStats
		if err := rows.Scan(&key, &s.Count, &s.OverdueCount, &s.AvgHours); err != nil {
			return nil, err
		}
		res[key] = s
	}
	return res, rows.Err()
}

// CompletionTotals returns, per closed record, the summed leg hours.
// Used for the fleet average completion time.
func (r Repo) CompletionTotals(ctx context.Context) ([]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT SUM(l.actual_duration_hours)
FROM status_log l JOIN fulfillment_records r ON r.id=l.record_id
WHERE r.record_status='completed' GROUP BY l.record_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []float64
	for rows.Next() {
		var total float64
		if err := rows.Scan(&total); err != nil {
			return nil, err
		}
		res = append(res, total)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
