package stagelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"collabflow/internal/domain"
)

// Writer appends status-log rows. The transition engine is the only
// caller; everything else reads the ledger through the repo.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append inserts one leg inside the caller's transaction, so the leg and
// the record update land (or roll back) together.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry domain.StatusLogEntry) (domain.StatusLogEntry, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt == "" {
		entry.CreatedAt = now().UTC().Format(time.RFC3339)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO status_log(id,record_id,from_status,to_status,stage_start_time,stage_end_time,stage_deadline,planned_duration_hours,actual_duration_hours,is_overdue,overdue_hours,change_reason,remarks,operator_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		entry.ID, entry.RecordID, nullableStringPtr(entry.FromStatus), entry.ToStatus,
		entry.StageStartTime, entry.StageEndTime, nullableInt64Ptr(entry.StageDeadline),
		nullableFloatPtr(entry.PlannedDurationHours), entry.ActualDurationHours,
		boolInt(entry.IsOverdue), entry.OverdueHours, entry.ChangeReason,
		nullable(entry.Remarks), entry.OperatorID, entry.CreatedAt)
	if err != nil {
		return entry, fmt.Errorf("append status log: %w", err)
	}
	return entry, nil
}

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
