package sla_test

import (
	"strings"
	"testing"

	"collabflow/internal/domain"
	"collabflow/internal/sla"
	"collabflow/internal/status"
)

func strPtr(s string) *string { return &s }

func hoursPtr(h float64) *float64 { return &h }

func rule(plan string, from *string, to string, hours *float64) domain.SLARule {
	return domain.SLARule{PlanID: plan, FromStatus: from, ToStatus: to, DurationHours: hours}
}

func TestResolve(t *testing.T) {
	table, err := sla.NewTable([]domain.SLARule{
		rule("p1", nil, "pending_sample", hoursPtr(48)),
		rule("p1", strPtr("pending_sample"), "sample_sent", hoursPtr(24)),
		rule("p1", strPtr("tracking_started"), "settlement_completed", nil),
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if table.Len() != 3 {
		t.Fatalf("len = %d", table.Len())
	}

	res := table.Resolve("p1", status.PendingSample, status.SampleSent)
	if res.Kind != sla.Bounded || res.Hours != 24 {
		t.Fatalf("bounded edge: %+v", res)
	}
	// creation sentinel
	res = table.Resolve("p1", status.Begin, status.PendingSample)
	if res.Kind != sla.Bounded || res.Hours != 48 {
		t.Fatalf("creation edge: %+v", res)
	}
	// rule present with null hours
	res = table.Resolve("p1", status.TrackingStarted, status.SettlementCompleted)
	if res.Kind != sla.Unbounded {
		t.Fatalf("unbounded edge: %+v", res)
	}
	// no rule at all
	res = table.Resolve("p1", status.SampleSent, status.SampleReceived)
	if res.Kind != sla.Missing {
		t.Fatalf("missing edge: %+v", res)
	}
	// wrong plan
	res = table.Resolve("p2", status.PendingSample, status.SampleSent)
	if res.Kind != sla.Missing {
		t.Fatalf("unknown plan: %+v", res)
	}
}

func TestNewTableRejectsBadRules(t *testing.T) {
	cases := []struct {
		name  string
		rules []domain.SLARule
		want  string
	}{
		{
			"unknown status token",
			[]domain.SLARule{rule("p1", nil, "shipped", hoursPtr(1))},
			"unknown status",
		},
		{
			"cancellation edge",
			[]domain.SLARule{rule("p1", strPtr("pending_sample"), "cancelled", hoursPtr(1))},
			"cancellation",
		},
		{
			"duplicate from",
			[]domain.SLARule{
				rule("p1", strPtr("pending_sample"), "sample_sent", hoursPtr(1)),
				rule("p1", strPtr("pending_sample"), "sample_received", hoursPtr(2)),
			},
			"two forward rules",
		},
		{
			"non-positive hours",
			[]domain.SLARule{rule("p1", nil, "pending_sample", hoursPtr(0))},
			"positive",
		},
		{
			"missing plan",
			[]domain.SLARule{rule("", nil, "pending_sample", hoursPtr(1))},
			"plan",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := sla.NewTable(c.rules)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestDuplicateAllowedAcrossPlans(t *testing.T) {
	_, err := sla.NewTable([]domain.SLARule{
		rule("p1", strPtr("pending_sample"), "sample_sent", hoursPtr(1)),
		rule("p2", strPtr("pending_sample"), "sample_sent", hoursPtr(2)),
	})
	if err != nil {
		t.Fatalf("same edge on different plans must be allowed: %v", err)
	}
}

func TestKindString(t *testing.T) {
	if sla.Bounded.String() != "bounded" || sla.Unbounded.String() != "unbounded" || sla.Missing.String() != "missing" {
		t.Fatalf("kind strings: %s %s %s", sla.Bounded, sla.Unbounded, sla.Missing)
	}
}
