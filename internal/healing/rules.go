package healing

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fleetmend/backend/internal/monitor"
	"gopkg.in/yaml.v3"
)

// ActionType identifies one kind of recovery action the fleet gateway can perform
type ActionType string

const (
	// ActionResetNetwork cycles the device's network stack
	ActionResetNetwork ActionType = "reset_network"
	// ActionRepairConfig restores the device's configuration to its target profile
	ActionRepairConfig ActionType = "repair_config"
	// ActionRollbackFirmware reverts the device to its previous committed firmware
	ActionRollbackFirmware ActionType = "rollback_firmware"
	// ActionRestartService restarts the device's workload service
	ActionRestartService ActionType = "restart_service"
)

var knownActions = map[ActionType]bool{
	ActionResetNetwork:     true,
	ActionRepairConfig:     true,
	ActionRollbackFirmware: true,
	ActionRestartService:   true,
}

// Rule maps a symptom pattern to a suspected cause and its candidate actions.
// An empty metric list matches anomalies on any metric; MaxHealth of zero
// disables the health gate; MinCount of zero makes the rule purely health-gated.
type Rule struct {
	Cause       string           `yaml:"cause"`
	Priority    int              `yaml:"priority"`
	Firmware    bool             `yaml:"firmware"`
	Metrics     []string         `yaml:"metrics"`
	MinCount    int              `yaml:"min_count"`
	MinSeverity monitor.Severity `yaml:"min_severity"`
	MaxHealth   float64          `yaml:"max_health"`
	Actions     []ActionType     `yaml:"actions"`
}

// match returns the anomalies supporting this rule and whether it fires
func (r *Rule) match(anomalies []monitor.Anomaly, health float64) ([]monitor.Anomaly, bool) {
	if r.MaxHealth > 0 && health > r.MaxHealth {
		return nil, false
	}

	minRank := severityRank(r.MinSeverity)
	var symptoms []monitor.Anomaly
	for _, a := range anomalies {
		if len(r.Metrics) > 0 && !containsMetric(r.Metrics, a.Metric) {
			continue
		}
		if severityRank(a.Severity) < minRank {
			continue
		}
		symptoms = append(symptoms, a)
	}

	if len(symptoms) < r.MinCount {
		return nil, false
	}
	return symptoms, true
}

// RuleTable is the ordered diagnosis rule set plus the invasiveness ranking
// that orders candidate actions. Both are data, not code, so deployments can
// tune causes and action order without a rebuild.
type RuleTable struct {
	Invasiveness []ActionType `yaml:"invasiveness"`
	Rules        []Rule       `yaml:"rules"`

	rank map[ActionType]int
}

// DefaultRuleTable returns the built-in rule set used when no rules file is configured
func DefaultRuleTable() *RuleTable {
	table := &RuleTable{
		Invasiveness: []ActionType{
			ActionResetNetwork,
			ActionRepairConfig,
			ActionRollbackFirmware,
			ActionRestartService,
		},
		Rules: []Rule{
			{
				Cause:       "service_crash",
				Priority:    50,
				Metrics:     []string{"restart_count", "error_rate", "response_time"},
				MinCount:    1,
				MinSeverity: monitor.SeverityCritical,
				Actions:     []ActionType{ActionRestartService},
			},
			{
				Cause:       "network_degradation",
				Priority:    40,
				Metrics:     []string{"latency", "packet_loss", "signal_strength"},
				MinCount:    2,
				MinSeverity: monitor.SeverityWarning,
				Actions:     []ActionType{ActionResetNetwork, ActionRestartService},
			},
			{
				Cause:       "config_drift",
				Priority:    30,
				Metrics:     []string{"config_errors", "error_rate"},
				MinCount:    2,
				MinSeverity: monitor.SeverityWarning,
				Actions:     []ActionType{ActionRepairConfig, ActionRestartService},
			},
			{
				Cause:       "resource_exhaustion",
				Priority:    20,
				Metrics:     []string{"cpu_usage", "memory_usage", "disk_usage"},
				MinCount:    2,
				MinSeverity: monitor.SeverityWarning,
				Actions:     []ActionType{ActionRestartService},
			},
			{
				Cause:       "firmware_defect",
				Priority:    10,
				Firmware:    true,
				MinCount:    3,
				MinSeverity: monitor.SeverityWarning,
				MaxHealth:   60,
				Actions:     []ActionType{ActionRollbackFirmware},
			},
		},
	}
	if err := table.finalize(); err != nil {
		panic(fmt.Sprintf("built-in rule table invalid: %v", err))
	}
	return table
}

// LoadRuleTable reads and validates a rule table from a YAML file
func LoadRuleTable(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var table RuleTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	if err := table.finalize(); err != nil {
		return nil, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return &table, nil
}

// finalize validates the table, builds the invasiveness ranking and orders
// rules by descending priority
func (t *RuleTable) finalize() error {
	if len(t.Rules) == 0 {
		return fmt.Errorf("rule table has no rules")
	}
	if len(t.Invasiveness) == 0 {
		return fmt.Errorf("invasiveness order is empty")
	}

	t.rank = make(map[ActionType]int, len(t.Invasiveness))
	for i, action := range t.Invasiveness {
		if !knownActions[action] {
			return fmt.Errorf("unknown action %q in invasiveness order", action)
		}
		if _, dup := t.rank[action]; dup {
			return fmt.Errorf("action %q listed twice in invasiveness order", action)
		}
		t.rank[action] = i
	}

	seen := make(map[string]bool, len(t.Rules))
	for i := range t.Rules {
		rule := &t.Rules[i]
		if rule.Cause == "" {
			return fmt.Errorf("rule %d has no cause", i)
		}
		if seen[rule.Cause] {
			return fmt.Errorf("duplicate cause %q", rule.Cause)
		}
		seen[rule.Cause] = true

		if len(rule.Actions) == 0 {
			return fmt.Errorf("cause %q has no actions", rule.Cause)
		}
		for _, action := range rule.Actions {
			if _, ok := t.rank[action]; !ok {
				return fmt.Errorf("cause %q uses action %q missing from invasiveness order", rule.Cause, action)
			}
		}

		switch rule.MinSeverity {
		case "":
			rule.MinSeverity = monitor.SeverityWarning
		case monitor.SeverityWarning, monitor.SeverityCritical:
		default:
			return fmt.Errorf("cause %q has invalid min_severity %q", rule.Cause, rule.MinSeverity)
		}

		if rule.MinCount < 0 {
			return fmt.Errorf("cause %q has negative min_count", rule.Cause)
		}
		if rule.MinCount == 0 && rule.MaxHealth <= 0 {
			return fmt.Errorf("cause %q needs a min_count or a max_health gate", rule.Cause)
		}
		if rule.MaxHealth < 0 || rule.MaxHealth > 100 {
			return fmt.Errorf("cause %q has max_health outside [0,100]", rule.Cause)
		}
	}

	sort.SliceStable(t.Rules, func(i, j int) bool {
		return t.Rules[i].Priority > t.Rules[j].Priority
	})
	return nil
}

// orderByInvasiveness returns the actions sorted least invasive first
func (t *RuleTable) orderByInvasiveness(actions []ActionType) []ActionType {
	ordered := make([]ActionType, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return t.rank[ordered[i]] < t.rank[ordered[j]]
	})
	return ordered
}

func severityRank(s monitor.Severity) int {
	if s == monitor.SeverityCritical {
		return 2
	}
	return 1
}

func containsMetric(metrics []string, metric string) bool {
	for _, m := range metrics {
		if m == metric {
			return true
		}
	}
	return false
}

func maxSeverity(symptoms []monitor.Anomaly) monitor.Severity {
	severity := monitor.SeverityWarning
	for _, s := range symptoms {
		if s.Severity == monitor.SeverityCritical {
			severity = monitor.SeverityCritical
		}
	}
	return severity
}

func latestTimestamp(symptoms []monitor.Anomaly) time.Time {
	var latest time.Time
	for _, s := range symptoms {
		if s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	return latest
}
