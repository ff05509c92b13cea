package monitor

import (
	"context"
	"sort"
	"time"

	"collabflow/internal/config"
	"collabflow/internal/repo"
)

// Severity buckets an open record by how far past its stage deadline it
// has drifted.
type Severity string

const (
	SeverityOnTime   Severity = "on_time"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityExpired  Severity = "expired"
)

var severityRank = map[Severity]int{
	SeverityOnTime:   0,
	SeverityWarning:  1,
	SeverityCritical: 2,
	SeverityExpired:  3,
}

// Classify derives a record's severity from `now` and its deadline.
// A nil deadline means the stage carries no SLA and is always on time.
// Pure: identical inputs yield identical output.
func Classify(now time.Time, deadline *int64, windows config.MonitorConfig) (Severity, float64) {
	if deadline == nil {
		return SeverityOnTime, 0
	}
	overdue := float64(now.Unix()-*deadline) / 3600
	switch {
	case overdue <= 0:
		return SeverityOnTime, 0
	case overdue <= windows.WarningHours:
		return SeverityWarning, overdue
	case overdue <= windows.CriticalHours:
		return SeverityCritical, overdue
	default:
		return SeverityExpired, overdue
	}
}

// Monitor aggregates open records and closed legs into triage views.
// It only reads; overdue is always re-derived from timestamps, never
// taken from the stored hint.
type Monitor struct {
	Repo    repo.Repo
	Windows config.MonitorConfig
	Now     func() time.Time
}

func New(r repo.Repo, windows config.MonitorConfig) Monitor {
	return Monitor{Repo: r, Windows: windows, Now: time.Now}
}

func (m Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// RecordIssue is one open record's triage line.
type RecordIssue struct {
	RecordID      string   `json:"record_id"`
	PlanID        string   `json:"plan_id"`
	Subject       string   `json:"subject,omitempty"`
	CurrentStatus string   `json:"current_status"`
	Priority      string   `json:"priority"`
	StageDeadline *int64   `json:"stage_deadline,omitempty"`
	OverdueHours  float64  `json:"overdue_hours"`
	Severity      Severity `json:"severity"`
}

// OverdueCounts tallies open records per severity bucket.
type OverdueCounts struct {
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Expired  int `json:"expired"`
}

// Overview is the fleet-wide dashboard payload.
type Overview struct {
	TotalRecords       int           `json:"total_records"`
	OnTimeRecords      int           `json:"on_time_records"`
	OverdueRecords     int           `json:"overdue_records"`
	OnTimeRate         float64       `json:"on_time_rate"`
	OverdueRate        float64       `json:"overdue_rate"`
	AvgCompletionHours float64       `json:"avg_completion_hours"`
	CurrentOverdue     OverdueCounts `json:"current_overdue"`
	TopIssues          []RecordIssue `json:"top_issues"`
}

const topIssueLimit = 5

func (m Monitor) classifyOpen(ctx context.Context) ([]RecordIssue, error) {
	open, err := m.Repo.ListOpenRecords(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	issues := make([]RecordIssue, 0, len(open))
	for _, rec := range open {
		sev, overdue := Classify(now, rec.StageDeadline, m.Windows)
		issues = append(issues, RecordIssue{
			RecordID:      rec.ID,
			PlanID:        rec.PlanID,
			Subject:       rec.Subject,
			CurrentStatus: rec.CurrentStatus,
			Priority:      rec.Priority,
			StageDeadline: rec.StageDeadline,
			OverdueHours:  overdue,
			Severity:      sev,
		})
	}
	return issues, nil
}

// Overview sweeps open records and closed legs into fleet statistics.
func (m Monitor) Overview(ctx context.Context) (Overview, error) {
	issues, err := m.classifyOpen(ctx)
	if err != nil {
		return Overview{}, err
	}
	ov := Overview{TotalRecords: len(issues), TopIssues: []RecordIssue{}}
	for _, is := range issues {
		switch is.Severity {
		case SeverityOnTime:
			ov.OnTimeRecords++
		case SeverityWarning:
			ov.CurrentOverdue.Warning++
		case SeverityCritical:
			ov.CurrentOverdue.Critical++
		case SeverityExpired:
			ov.CurrentOverdue.Expired++
		}
	}
	ov.OverdueRecords = ov.TotalRecords - ov.OnTimeRecords
	if ov.TotalRecords > 0 {
		ov.OnTimeRate = float64(ov.OnTimeRecords) / float64(ov.TotalRecords)
		ov.OverdueRate = float64(ov.OverdueRecords) / float64(ov.TotalRecords)
	}
	totals, err := m.Repo.CompletionTotals(ctx)
	if err != nil {
		return Overview{}, err
	}
	if len(totals) > 0 {
		var sum float64
		for _, t := range totals {
			sum += t
		}
		ov.AvgCompletionHours = sum / float64(len(totals))
	}
	ranked := make([]RecordIssue, len(issues))
	copy(ranked, issues)
	sort.SliceStable(ranked, func(i, j int) bool {
		if severityRank[ranked[i].Severity] != severityRank[ranked[j].Severity] {
			return severityRank[ranked[i].Severity] > severityRank[ranked[j].Severity]
		}
		return ranked[i].OverdueHours > ranked[j].OverdueHours
	})
	for _, is := range ranked {
		if is.Severity == SeverityOnTime || len(ov.TopIssues) == topIssueLimit {
			break
		}
		ov.TopIssues = append(ov.TopIssues, is)
	}
	return ov, nil
}

// OverdueList returns every open record past its deadline, most severe
// first.
func (m Monitor) OverdueList(ctx context.Context) ([]RecordIssue, error) {
	issues, err := m.classifyOpen(ctx)
	if err != nil {
		return nil, err
	}
	out := []RecordIssue{}
	for _, is := range issues {
		if is.Severity != SeverityOnTime {
			out = append(out, is)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if severityRank[out[i].Severity] != severityRank[out[j].Severity] {
			return severityRank[out[i].Severity] > severityRank[out[j].Severity]
		}
		return out[i].OverdueHours > out[j].OverdueHours
	})
	return out, nil
}

// DimStats merges closed legs with the in-flight leg of open records
// for one dimension value.
type DimStats struct {
	Count        int     `json:"count"`
	OverdueCount int     `json:"overdue_count"`
	AvgHours     float64 `json:"avg_hours"`
}

// Stats groups combined leg statistics by status and by priority.
type Stats struct {
	ByStatus   map[string]DimStats `json:"by_status"`
	ByPriority map[string]DimStats `json:"by_priority"`
}

func (m Monitor) Stats(ctx context.Context) (Stats, error) {
	out := Stats{ByStatus: map[string]DimStats{}, ByPriority: map[string]DimStats{}}
	for dim, dst := range map[string]map[string]DimStats{
		"status":   out.ByStatus,
		"priority": out.ByPriority,
	} {
		grouped, err := m.Repo.GroupedLegStats(ctx, dim)
		if err != nil {
			return out, err
		}
		for key, s := range grouped {
			dst[key] = DimStats{Count: s.Count, OverdueCount: s.OverdueCount, AvgHours: s.AvgHours}
		}
	}
	open, err := m.Repo.ListOpenRecords(ctx)
	if err != nil {
		return out, err
	}
	now := m.now()
	for _, rec := range open {
		elapsed := float64(now.Unix()-rec.StageStartTime) / 3600
		sev, _ := Classify(now, rec.StageDeadline, m.Windows)
		overdue := sev != SeverityOnTime
		mergeOpenLeg(out.ByStatus, rec.CurrentStatus, elapsed, overdue)
		mergeOpenLeg(out.ByPriority, rec.Priority, elapsed, overdue)
	}
	return out, nil
}

func mergeOpenLeg(dst map[string]DimStats, key string, elapsed float64, overdue bool) {
	s := dst[key]
	total := s.AvgHours*float64(s.Count) + elapsed
	s.Count++
	s.AvgHours = total / float64(s.Count)
	if overdue {
		s.OverdueCount++
	}
	dst[key] = s
}

// Report bundles every view for a single dashboard fetch.
type Report struct {
	GeneratedAt string        `json:"generated_at" format:"date-time"`
	Overview    Overview      `json:"overview"`
	Overdue     []RecordIssue `json:"overdue"`
	Stats       Stats         `json:"stats"`
}

func (m Monitor) Report(ctx context.Context) (Report, error) {
	ov, err := m.Overview(ctx)
	if err != nil {
		return Report{}, err
	}
	od, err := m.OverdueList(ctx)
	if err != nil {
		return Report{}, err
	}
	st, err := m.Stats(ctx)
	if err != nil {
		return Report{}, err
	}
	return Report{
		GeneratedAt: m.now().UTC().Format(time.RFC3339),
		Overview:    ov,
		Overdue:     od,
		Stats:       st,
	}, nil
}
