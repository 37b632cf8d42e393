package correlation

import (
	"time"

	"github.com/google/uuid"

	"dfir-detect/internal/schema"
)

// ActionAlertFired is the action of synthetic events built from alerts.
const ActionAlertFired = "alert_fired"

// MaxChainDepth bounds how many times an alert may be fed back as an event.
const MaxChainDepth = 3

// ChainDepth returns the chaining depth recorded on an event; zero for
// events that did not come from an alert.
func ChainDepth(ev *schema.Event) int {
	v, ok := ev.Fields["chain_depth"]
	if !ok {
		return 0
	}
	n, _ := schema.ToFloat64(v)
	return int(n)
}

// AlertEvent converts a newly created alert into a synthetic event so that
// sequence rules can match on alerts (kill chains). It returns nil once the
// triggering evidence is already MaxChainDepth deep.
func AlertEvent(alertID uuid.UUID, res MatchResult, rule *CompiledRule, depth int) *schema.Event {
	if depth >= MaxChainDepth {
		return nil
	}

	ev := &schema.Event{
		EventID:   uuid.New(),
		TenantID:  res.TenantID,
		Timestamp: res.MatchedAt,
		Action:    ActionAlertFired,
		Entities: schema.Entities{
			Host:       first(res.Entities[schema.EntityHost]),
			User:       first(res.Entities[schema.EntityUser]),
			Process:    first(res.Entities[schema.EntityProcess]),
			Indicators: res.Entities[schema.EntityIndicator],
		},
		Fields: map[string]any{
			"alert_id":     alertID.String(),
			"rule_id":      rule.ID(),
			"rule_name":    rule.Rule.Name,
			"group_key":    res.GroupKey,
			"severity":     res.Severity,
			"event_count":  len(res.EventIDs),
			"chain_depth":  depth + 1,
			"is_synthetic": true,
		},
		Source:        schema.Source{Product: "dfir-detect"},
		SchemaVersion: schema.SchemaVersionCurrent,
		ReceivedAt:    time.Now().UTC(),
	}
	if len(ev.Entities.Indicators) > 64 {
		ev.Entities.Indicators = ev.Entities.Indicators[:64]
	}
	if rule.Rule.MITRE != nil {
		ev.Fields["mitre_tactic"] = rule.Rule.MITRE.TacticID
		ev.Fields["mitre_technique"] = rule.Rule.MITRE.TechniqueID
	}
	for _, tag := range rule.Rule.Tags {
		ev.Fields["tag_"+tag] = true
	}
	return ev
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// ChainDef defines a kill-chain pattern built from rule dependencies.
type ChainDef struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Stages      []string      `yaml:"stages" json:"stages"` // ordered rule IDs
	Window      time.Duration `yaml:"window" json:"window"` // max span
	Severity    int           `yaml:"severity" json:"severity"`
	CorrelateBy string        `yaml:"correlate_by,omitempty" json:"correlate_by,omitempty"`
}

// BuiltinChains returns pre-built kill chain definitions.
func BuiltinChains() []ChainDef {
	return []ChainDef{
		{
			ID:          "chain-credential-access-to-c2",
			Name:        "Kill Chain: Brute Force → PowerShell C2",
			Description: "Brute force against a host followed by PowerShell reaching an external address",
			Stages:      []string{"builtin-brute-force", "builtin-powershell-external-connect"},
			Window:      time.Hour,
			Severity:    10,
			CorrelateBy: "host",
		},
		{
			ID:          "chain-c2-to-exfil",
			Name:        "Kill Chain: PowerShell C2 → Exfiltration",
			Description: "PowerShell external connection followed by a large outbound transfer",
			Stages:      []string{"builtin-powershell-external-connect", "builtin-large-outbound-transfer"},
			Window:      2 * time.Hour,
			Severity:    10,
			CorrelateBy: "host",
		},
	}
}

// ChainToRule converts a ChainDef to a sequence rule that matches on
// synthetic alert_fired events from the stage rules.
func ChainToRule(chain ChainDef) *Rule {
	steps := make([]Step, len(chain.Stages))
	for i, ruleID := range chain.Stages {
		steps[i] = Step{
			Name: ruleID,
			Conditions: []Condition{
				{Field: "rule_id", Operator: OpEq, Value: ruleID},
			},
		}
	}

	window := chain.Window
	if window <= 0 {
		window = time.Hour
	}

	return &Rule{
		ID:          chain.ID,
		Name:        chain.Name,
		Description: chain.Description,
		Type:        PatternSequence,
		Enabled:     true,
		Severity:    chain.Severity,
		Category:    "Kill Chain",
		Tags:        []string{"kill-chain", "multi-stage"},
		Conditions: []Condition{
			{Field: "action", Operator: OpEq, Value: ActionAlertFired},
		},
		Steps:       steps,
		Window:      window,
		CorrelateBy: chain.CorrelateBy,
	}
}
