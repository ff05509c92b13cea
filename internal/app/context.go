package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"collabflow/internal/config"
	"collabflow/internal/domain"
	"collabflow/internal/repo"
	"collabflow/internal/sla"
)

// SyncConfig pushes the configured plans and SLA rules into the store
// in one transaction and builds the immutable SLA lookup from the same
// rows. Rules are replaced wholesale per plan so readers never observe
// a half-updated rule set.
func SyncConfig(ctx context.Context, db *sql.DB, cfg *config.Config) (*sla.Table, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := repo.Repo{DB: db}
	rules := cfg.RuleRows()
	table, err := sla.NewTable(rules)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range cfg.PlanRows() {
		p.CreatedAt = now
		if err := r.UpsertPlanTx(ctx, tx, p); err != nil {
			return nil, fmt.Errorf("upsert plan %s: %w", p.ID, err)
		}
		if err := r.ReplaceSLARulesTx(ctx, tx, p.ID, planRules(rules, p.ID)); err != nil {
			return nil, fmt.Errorf("replace sla rules for %s: %w", p.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return table, nil
}

func planRules(rules []domain.SLARule, planID string) []domain.SLARule {
	var out []domain.SLARule
	for _, rule := range rules {
		if rule.PlanID == planID {
			out = append(out, rule)
		}
	}
	return out
}
