package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"collabflow/internal/app"
	"collabflow/internal/config"
	"collabflow/internal/db"
	"collabflow/internal/domain"
	"collabflow/internal/engine"
	"collabflow/internal/migrate"
	"collabflow/internal/repo"
	"collabflow/internal/sla"
	"collabflow/internal/status"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	table, err := app.SyncConfig(ctx, conn, config.Default())
	if err != nil {
		t.Fatalf("sync config: %v", err)
	}
	env := &testEnv{Ctx: ctx, clock: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, table)
	eng.Now = func() time.Time { return env.clock }
	env.Engine = eng
	return env
}

func (e *testEnv) advance(d time.Duration) { e.clock = e.clock.Add(d) }

func (e *testEnv) mustCreate(t *testing.T, planID string) domain.FulfillmentRecord {
	t.Helper()
	rec, err := e.Engine.CreateRecord(e.Ctx, engine.CreateRecordOptions{
		PlanID:     planID,
		Subject:    "creator-x campaign",
		OperatorID: "tester",
	})
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	return rec
}

func (e *testEnv) mustTransition(t *testing.T, id string, to status.Status) engine.TransitionResult {
	t.Helper()
	res, err := e.Engine.Transition(e.Ctx, engine.TransitionRequest{
		RecordID:   id,
		To:         to,
		OperatorID: "tester",
	})
	if err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
	return res
}

func TestCreateRecordSetsInitialDeadline(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")
	if rec.CurrentStatus != string(status.PendingSample) {
		t.Fatalf("initial status = %s", rec.CurrentStatus)
	}
	if rec.RecordStatus != engine.RecordActive || rec.Version != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Priority != "medium" {
		t.Fatalf("default priority = %s", rec.Priority)
	}
	// default config bounds record creation -> pending_sample at 48h
	if rec.StageDeadline == nil {
		t.Fatalf("expected a creation deadline")
	}
	if want := rec.StageStartTime + 48*3600; *rec.StageDeadline != want {
		t.Fatalf("deadline = %d, want %d", *rec.StageDeadline, want)
	}

	lite := env.mustCreate(t, "lite")
	if lite.CurrentStatus != string(status.ContentCreation) {
		t.Fatalf("lite initial status = %s", lite.CurrentStatus)
	}
}

func TestCreateRecordValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateRecord(env.Ctx, engine.CreateRecordOptions{}); err == nil {
		t.Fatalf("expected error for missing plan")
	}
	_, err := env.Engine.CreateRecord(env.Ctx, engine.CreateRecordOptions{PlanID: "no-such-plan"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown plan: %v", err)
	}
	_, err = env.Engine.CreateRecord(env.Ctx, engine.CreateRecordOptions{PlanID: "standard", Priority: "urgent"})
	if err == nil {
		t.Fatalf("expected error for bad priority")
	}
}

func TestTransitionWithinSLA(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	env.advance(23 * time.Hour)
	res := env.mustTransition(t, rec.ID, status.SampleSent)

	entry := res.LogEntry
	if entry.PlannedDurationHours == nil || *entry.PlannedDurationHours != 24 {
		t.Fatalf("planned = %v", entry.PlannedDurationHours)
	}
	if entry.ActualDurationHours != 23 {
		t.Fatalf("actual = %v", entry.ActualDurationHours)
	}
	if entry.IsOverdue || entry.OverdueHours != 0 {
		t.Fatalf("leg under budget marked overdue: %+v", entry)
	}
	if entry.ChangeReason != engine.ReasonManual {
		t.Fatalf("reason = %s", entry.ChangeReason)
	}
	if got := entry.FromStatusOrEmpty(); got != string(status.PendingSample) {
		t.Fatalf("from = %s", got)
	}

	upd := res.Record
	if upd.CurrentStatus != string(status.SampleSent) || upd.Version != 2 {
		t.Fatalf("record after transition = %+v", upd)
	}
	if upd.StageStartTime != entry.StageEndTime {
		t.Fatalf("new stage must start where the old one ended")
	}
	// next leg is sample_sent -> sample_received, bounded at 120h
	if upd.StageDeadline == nil || *upd.StageDeadline != upd.StageStartTime+120*3600 {
		t.Fatalf("next deadline = %v", upd.StageDeadline)
	}
	if len(res.NextPossible) != 2 || res.NextPossible[0] != status.SampleReceived {
		t.Fatalf("next possible = %v", res.NextPossible)
	}
}

func TestTransitionOverdue(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	env.advance(30 * time.Hour)
	res := env.mustTransition(t, rec.ID, status.SampleSent)

	entry := res.LogEntry
	if !entry.IsOverdue {
		t.Fatalf("30h against a 24h budget must be overdue")
	}
	if entry.OverdueHours != 6 {
		t.Fatalf("overdue hours = %v", entry.OverdueHours)
	}
	if entry.ActualDurationHours != 30 {
		t.Fatalf("actual = %v", entry.ActualDurationHours)
	}
}

func TestTransitionExactlyOnBudgetIsNotOverdue(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	env.advance(24 * time.Hour)
	res := env.mustTransition(t, rec.ID, status.SampleSent)
	if res.LogEntry.IsOverdue {
		t.Fatalf("actual == planned must not count as overdue")
	}
}

func TestIllegalTransition(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		RecordID:   rec.ID,
		To:         status.SettlementCompleted,
		OperatorID: "tester",
	})
	var illegal engine.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.From != status.PendingSample || illegal.To != status.SettlementCompleted {
		t.Fatalf("error edge = %s -> %s", illegal.From, illegal.To)
	}
	if len(illegal.Suggested) != 2 || illegal.Suggested[0] != status.SampleSent || illegal.Suggested[1] != status.Cancelled {
		t.Fatalf("suggested = %v", illegal.Suggested)
	}

	// record untouched
	got, err := env.Engine.Repo.GetRecord(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStatus != string(status.PendingSample) || got.Version != 1 {
		t.Fatalf("record mutated by rejected transition: %+v", got)
	}
	if n, _ := env.Engine.Repo.CountLogByRecord(env.Ctx, rec.ID); n != 0 {
		t.Fatalf("rejected transition wrote %d log rows", n)
	}
}

func TestForcedTransitionBypassesGraph(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	env.advance(2 * time.Hour)
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		RecordID:   rec.ID,
		To:         status.ContentPublished,
		Mode:       engine.Forced,
		OperatorID: "admin",
	})
	if err != nil {
		t.Fatalf("forced transition: %v", err)
	}
	if res.LogEntry.ChangeReason != engine.ReasonForced {
		t.Fatalf("reason = %s", res.LogEntry.ChangeReason)
	}
	// no rule covers pending_sample -> content_published
	if res.LogEntry.PlannedDurationHours != nil {
		t.Fatalf("planned = %v for an unconfigured edge", res.LogEntry.PlannedDurationHours)
	}
	if res.LogEntry.IsOverdue {
		t.Fatalf("edge without a budget cannot be overdue")
	}
	if res.Record.CurrentStatus != string(status.ContentPublished) || res.Record.RecordStatus != engine.RecordActive {
		t.Fatalf("record = %+v", res.Record)
	}
	// deadline resumes from the topology successor's rule
	if res.Record.StageDeadline == nil || *res.Record.StageDeadline != res.Record.StageStartTime+24*3600 {
		t.Fatalf("deadline after force = %v", res.Record.StageDeadline)
	}
}

func TestForcedToExpiredKeepsRecordActive(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")
	res, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		RecordID:   rec.ID,
		To:         status.Expired,
		Mode:       engine.Forced,
		OperatorID: "admin",
	})
	if err != nil {
		t.Fatalf("force to expired: %v", err)
	}
	if res.Record.RecordStatus != engine.RecordActive {
		t.Fatalf("record status = %s", res.Record.RecordStatus)
	}
	if res.NextPossible != nil {
		t.Fatalf("expired has outgoing edges %v", res.NextPossible)
	}
}

func TestCancelClosesRecord(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	res := env.mustTransition(t, rec.ID, status.Cancelled)
	if res.Record.RecordStatus != engine.RecordCancelled {
		t.Fatalf("record status = %s", res.Record.RecordStatus)
	}
	if res.Record.StageDeadline != nil {
		t.Fatalf("cancelled record still carries a deadline")
	}
	// cancellation edges carry no SLA accounting
	if res.LogEntry.PlannedDurationHours != nil || res.LogEntry.IsOverdue {
		t.Fatalf("cancel leg = %+v", res.LogEntry)
	}

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		RecordID:   rec.ID,
		To:         status.PendingSample,
		OperatorID: "tester",
	})
	var invalid engine.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if invalid.RecordStatus != engine.RecordCancelled {
		t.Fatalf("error state = %s", invalid.RecordStatus)
	}
}

func TestFullWalkCompletesRecord(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	path := []status.Status{
		status.SampleSent, status.SampleReceived, status.ContentCreation,
		status.ContentPublished, status.TrackingStarted, status.SettlementCompleted,
	}
	for _, next := range path {
		env.advance(5 * time.Hour)
		env.mustTransition(t, rec.ID, next)
	}

	got, err := env.Engine.Repo.GetRecord(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RecordStatus != engine.RecordCompleted {
		t.Fatalf("record status = %s", got.RecordStatus)
	}
	if got.Version != int64(1+len(path)) {
		t.Fatalf("version = %d", got.Version)
	}

	entries, err := env.Engine.Repo.ListLogByRecord(env.Ctx, rec.ID, 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(path) {
		t.Fatalf("log has %d legs, want %d", len(entries), len(path))
	}
	// legs chain contiguously: each stage starts where the previous ended
	for i := 1; i < len(entries); i++ {
		if entries[i].StageStartTime != entries[i-1].StageEndTime {
			t.Fatalf("gap between leg %d and %d", i-1, i)
		}
		if entries[i].FromStatusOrEmpty() != entries[i-1].ToStatus {
			t.Fatalf("leg %d from %s does not match prior to %s", i, entries[i].FromStatusOrEmpty(), entries[i-1].ToStatus)
		}
	}
}

func TestVersionCheckRejectsStaleWrite(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	rec.CurrentStatus = string(status.SampleSent)
	applied, err := env.Engine.Repo.UpdateRecordTx(env.Ctx, tx, rec, 7)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatalf("stale version must not apply")
	}
	applied, err = env.Engine.Repo.UpdateRecordTx(env.Ctx, tx, rec, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatalf("matching version must apply")
	}
}

func TestTransitionValidation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{RecordID: rec.ID, To: "shipped", OperatorID: "t"}); err == nil {
		t.Fatalf("unknown status accepted")
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{RecordID: rec.ID, To: status.SampleSent, Reason: "oops", OperatorID: "t"}); err == nil {
		t.Fatalf("invalid reason accepted")
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{RecordID: rec.ID, To: status.SampleSent}); err == nil {
		t.Fatalf("missing operator accepted")
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{RecordID: "nope", To: status.SampleSent, OperatorID: "t"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown record: %v", err)
	}
}

func TestGetStatusInfo(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	info, err := env.Engine.GetStatusInfo(env.Ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Plan.ID != "standard" {
		t.Fatalf("plan = %s", info.Plan.ID)
	}
	if info.CurrentSLA.Kind != sla.Bounded || info.CurrentSLA.Hours != 24 {
		t.Fatalf("current sla = %+v", info.CurrentSLA)
	}
	if len(info.NextPossible) != 2 || info.NextPossible[0] != status.SampleSent {
		t.Fatalf("next = %v", info.NextPossible)
	}

	// lite's last forward rule has no hours: the stage is unbounded
	lite := env.mustCreate(t, "lite")
	env.mustTransition(t, lite.ID, status.ContentPublished)
	env.mustTransition(t, lite.ID, status.TrackingStarted)
	info, err = env.Engine.GetStatusInfo(env.Ctx, lite.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.CurrentSLA.Kind != sla.Unbounded {
		t.Fatalf("current sla = %+v", info.CurrentSLA)
	}
	if info.Record.StageDeadline != nil {
		t.Fatalf("unbounded stage must have no deadline")
	}

	env.mustTransition(t, lite.ID, status.SettlementCompleted)
	info, err = env.Engine.GetStatusInfo(env.Ctx, lite.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.CurrentSLA.Kind != sla.Missing || info.NextPossible != nil {
		t.Fatalf("terminal info = %+v", info)
	}
}

func TestSwapSLATable(t *testing.T) {
	env := newTestEnv(t)
	rec := env.mustCreate(t, "standard")

	from := string(status.PendingSample)
	hours := 10.0
	table, err := sla.NewTable([]domain.SLARule{
		{PlanID: "standard", FromStatus: &from, ToStatus: string(status.SampleSent), DurationHours: &hours},
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Engine.SwapSLATable(table)

	env.advance(12 * time.Hour)
	res := env.mustTransition(t, rec.ID, status.SampleSent)
	if !res.LogEntry.IsOverdue || res.LogEntry.OverdueHours != 2 {
		t.Fatalf("swapped table not in effect: %+v", res.LogEntry)
	}
}
