package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"collabflow/internal/domain"
	"collabflow/internal/status"
)

// Config models collabflow.yml: the commercial plans, their SLA rules
// and the monitoring windows. It is loaded once at startup; any reload
// swaps the whole parsed value, never mutates it in place.
type Config struct {
	Plans   map[string]PlanConfig `yaml:"plans"`
	Monitor MonitorConfig         `yaml:"monitor"`
}

type PlanConfig struct {
	Name           string      `yaml:"name"`
	RequiresSample bool        `yaml:"requires_sample"`
	SLA            []RuleEntry `yaml:"sla"`
}

// RuleEntry is one SLA row. An absent "from" is the record-creation
// sentinel; an absent "hours" marks the stage unbounded.
type RuleEntry struct {
	From  *string  `yaml:"from,omitempty"`
	To    string   `yaml:"to"`
	Hours *float64 `yaml:"hours,omitempty"`
}

type MonitorConfig struct {
	WarningHours  float64 `yaml:"warning_hours"`
	CriticalHours float64 `yaml:"critical_hours"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cf config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Plans) == 0 {
		return fmt.Errorf("config.plans is required")
	}
	for id, p := range c.Plans {
		if id == "" {
			return fmt.Errorf("config.plans contains empty plan id")
		}
		topo := status.ForPlan(p.RequiresSample)
		for _, r := range p.SLA {
			to, err := status.Parse(r.To)
			if err != nil {
				return fmt.Errorf("plan %s sla: %w", id, err)
			}
			if !topo.Contains(to) {
				return fmt.Errorf("plan %s sla: %s not in plan topology", id, to)
			}
			if r.From != nil {
				from, err := status.Parse(*r.From)
				if err != nil {
					return fmt.Errorf("plan %s sla: %w", id, err)
				}
				if !topo.Contains(from) {
					return fmt.Errorf("plan %s sla: %s not in plan topology", id, from)
				}
			}
			if r.Hours != nil && *r.Hours <= 0 {
				return fmt.Errorf("plan %s sla %s: hours must be positive", id, to)
			}
		}
	}
	if c.Monitor.WarningHours <= 0 {
		return fmt.Errorf("config.monitor.warning_hours must be positive")
	}
	if c.Monitor.CriticalHours <= c.Monitor.WarningHours {
		return fmt.Errorf("config.monitor.critical_hours must exceed warning_hours")
	}
	return nil
}

// Plans returns the configured plans as domain rows, ordered by id.
func (c *Config) PlanRows() []domain.Plan {
	ids := make([]string, 0, len(c.Plans))
	for id := range c.Plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([]domain.Plan, 0, len(ids))
	for _, id := range ids {
		p := c.Plans[id]
		rows = append(rows, domain.Plan{
			ID:             id,
			Name:           p.Name,
			RequiresSample: p.RequiresSample,
			InitialStatus:  string(status.ForPlan(p.RequiresSample).Initial()),
		})
	}
	return rows
}

// RuleRows flattens every plan's SLA rules into domain rows.
func (c *Config) RuleRows() []domain.SLARule {
	var rows []domain.SLARule
	for _, p := range c.PlanRows() {
		for _, r := range c.Plans[p.ID].SLA {
			rows = append(rows, domain.SLARule{
				PlanID:        p.ID,
				FromStatus:    r.From,
				ToStatus:      r.To,
				DurationHours: r.Hours,
			})
		}
	}
	return rows
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "collabflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

const defaultTemplate = `plans:
  standard:
    name: "Standard collaboration"
    requires_sample: true
    sla:
      - to: pending_sample
        hours: 48
      - from: pending_sample
        to: sample_sent
        hours: 24
      - from: sample_sent
        to: sample_received
        hours: 120
      - from: sample_received
        to: content_creation
        hours: 24
      - from: content_creation
        to: content_published
        hours: 168
      - from: content_published
        to: tracking_started
        hours: 24
      - from: tracking_started
        to: settlement_completed
        hours: 336

  lite:
    name: "Content-only collaboration"
    requires_sample: false
    sla:
      - to: content_creation
        hours: 48
      - from: content_creation
        to: content_published
        hours: 120
      - from: content_published
        to: tracking_started
        hours: 24
      - from: tracking_started
        to: settlement_completed

monitor:
  warning_hours: 24
  critical_hours: 72
`
