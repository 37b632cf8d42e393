package correlation

import "time"

// BuiltinRules returns the built-in detection rules for a tenant. They carry
// the tenant id so they can be compiled and scheduled like loaded rules.
func BuiltinRules(tenantID string) []*Rule {
	rules := []*Rule{
		// Authentication
		BruteForceRule(),
		LogonFailureSpikeRule(),
		PasswordSprayRule(),

		// Execution and command and control
		EncodedPowerShellRule(),
		PowerShellExternalConnectRule(),

		// Privilege escalation
		FailedLogonThenPrivilegeRule(),

		// Exfiltration
		LargeOutboundTransferRule(),
	}
	for _, chain := range BuiltinChains() {
		rules = append(rules, ChainToRule(chain))
	}
	for _, r := range rules {
		r.TenantID = tenantID
	}
	return rules
}

// BruteForceRule detects repeated failed logons against one host.
func BruteForceRule() *Rule {
	return &Rule{
		ID:          "builtin-brute-force",
		Name:        "Brute Force Logon Attempts",
		Description: "Many failed logons against the same host",
		Type:        PatternAggregation,
		Enabled:     true,
		Severity:    7,
		Category:    "Authentication",
		Tags:        []string{"authentication", "brute-force"},
		MITRE: &MITREMapping{
			TacticID:    "TA0006",
			TacticName:  "Credential Access",
			TechniqueID: "T1110",
		},
		Conditions: []Condition{
			{Field: "action", Operator: OpEq, Value: "logon_failure"},
		},
		Window:      5 * time.Minute,
		CorrelateBy: "host",
		Aggregate: &AggregateConfig{
			Function:  FuncCount,
			GroupBy:   "host",
			Threshold: 10,
		},
	}
}

// LogonFailureSpikeRule detects a jump in failed logons compared with the
// preceding window.
func LogonFailureSpikeRule() *Rule {
	return &Rule{
		ID:          "builtin-logon-failure-spike",
		Name:        "Logon Failure Spike",
		Description: "Failed logons per host tripled compared with the previous window",
		Type:        PatternSpike,
		Enabled:     true,
		Severity:    6,
		Category:    "Authentication",
		Tags:        []string{"authentication", "anomaly"},
		MITRE: &MITREMapping{
			TacticID:    "TA0006",
			TacticName:  "Credential Access",
			TechniqueID: "T1110",
		},
		Conditions: []Condition{
			{Field: "action", Operator: OpEq, Value: "logon_failure"},
		},
		Window:      5 * time.Minute,
		CorrelateBy: "host",
		Spike: &SpikeConfig{
			Function:    FuncCount,
			GroupBy:     "host",
			Ratio:       3,
			MinBaseline: 1,
		},
	}
}

// PasswordSprayRule detects one source failing logons for many users.
func PasswordSprayRule() *Rule {
	return &Rule{
		ID:          "builtin-password-spray",
		Name:        "Password Spray",
		Description: "Failed logons for many distinct users from the same source address",
		Type:        PatternAggregation,
		Enabled:     true,
		Severity:    7,
		Category:    "Authentication",
		Tags:        []string{"authentication", "password-spray"},
		MITRE: &MITREMapping{
			TacticID:    "TA0006",
			TacticName:  "Credential Access",
			TechniqueID: "T1110.003",
		},
		Conditions: []Condition{
			{Field: "action", Operator: OpEq, Value: "logon_failure"},
			{Field: "source_ip", Operator: OpExists},
		},
		Window:      10 * time.Minute,
		CorrelateBy: "source_ip",
		Aggregate: &AggregateConfig{
			Function:  FuncCountDistinct,
			Field:     "user",
			GroupBy:   "source_ip",
			Threshold: 10,
		},
	}
}

// EncodedPowerShellRule detects PowerShell launched with an encoded command.
func EncodedPowerShellRule() *Rule {
	return &Rule{
		ID:          "builtin-encoded-powershell",
		Name:        "Encoded PowerShell Command",
		Description: "PowerShell started with an encoded command line",
		Type:        PatternFieldMatch,
		Enabled:     true,
		Severity:    6,
		Category:    "Execution",
		Tags:        []string{"execution", "powershell"},
		MITRE: &MITREMapping{
			TacticID:    "TA0002",
			TacticName:  "Execution",
			TechniqueID: "T1059.001",
		},
		Conditions: []Condition{
			{Field: "action", Operator: OpEq, Value: "process_create"},
			{Field: "process", Operator: OpContains, Value: "powershell", Type: TypeIString},
			{Field: "command_line", Operator: OpRegex, Value: `\s-(e|en|enc|encodedcommand)\s`, Type: TypeIString},
		},
		Window:      time.Minute,
		CorrelateBy: "host",
	}
}

// PowerShellExternalConnectRule detects PowerShell followed by an outbound
// connection to a public address from the same host.
func PowerShellExternalConnectRule() *Rule {
	return &Rule{
		ID:          "builtin-powershell-external-connect",
		Name:        "PowerShell Followed by External Connection",
		Description: "PowerShell process creation followed by a connection to a non-private address on the same host",
		Type:        PatternSequence,
		Enabled:     true,
		Severity:    8,
		Category:    "Command and Control",
		Tags:        []string{"powershell", "c2"},
		MITRE: &MITREMapping{
			TacticID:    "TA0011",
			TacticName:  "Command and Control",
			TechniqueID: "T1071",
		},
		Steps: []Step{
			{
				Name: "powershell",
				Conditions: []Condition{
					{Field: "action", Operator: OpEq, Value: "process_create"},
					{Field: "process", Operator: OpContains, Value: "powershell", Type: TypeIString},
				},
			},
			{
				Name: "external_connect",
				Conditions: []Condition{
					{Field: "action", Operator: OpEq, Value: "network_connect"},
					{Field: "dest_ip", Operator: OpNotIn, Type: TypeIP, Values: []any{
						"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8", "fc00::/7", "::1/128",
					}},
				},
			},
		},
		Window:      10 * time.Minute,
		CorrelateBy: "host",
	}
}

// FailedLogonThenPrivilegeRule detects a failed logon and a privilege
// escalation for the same user, in either order.
func FailedLogonThenPrivilegeRule() *Rule {
	return &Rule{
		ID:          "builtin-failed-logon-privilege",
		Name:        "Failed Logon With Privilege Escalation",
		Description: "Failed logon and privilege escalation for the same user within ten minutes",
		Type:        PatternTemporalJoin,
		Enabled:     true,
		Severity:    8,
		Category:    "Privilege Escalation",
		Tags:        []string{"authentication", "privilege-escalation"},
		MITRE: &MITREMapping{
			TacticID:    "TA0004",
			TacticName:  "Privilege Escalation",
			TechniqueID: "T1078",
		},
		Steps: []Step{
			{Name: "logon_failure", Conditions: []Condition{{Field: "action", Operator: OpEq, Value: "logon_failure"}}},
			{Name: "privilege_escalation", Conditions: []Condition{{Field: "action", Operator: OpEq, Value: "privilege_escalation"}}},
		},
		Window:      10 * time.Minute,
		CorrelateBy: "user",
	}
}

// LargeOutboundTransferRule detects a host sending unusually many bytes out.
func LargeOutboundTransferRule() *Rule {
	return &Rule{
		ID:          "builtin-large-outbound-transfer",
		Name:        "Large Outbound Transfer",
		Description: "Outbound bytes from a host far above its recent baseline",
		Type:        PatternSpike,
		Enabled:     true,
		Severity:    7,
		Category:    "Exfiltration",
		Tags:        []string{"exfiltration", "anomaly"},
		MITRE: &MITREMapping{
			TacticID:    "TA0010",
			TacticName:  "Exfiltration",
			TechniqueID: "T1048",
		},
		Conditions: []Condition{
			{Field: "action", Operator: OpEq, Value: "network_connect"},
			{Field: "bytes_out", Operator: OpExists},
		},
		Window:      15 * time.Minute,
		CorrelateBy: "host",
		Spike: &SpikeConfig{
			Function:        FuncSum,
			Field:           "bytes_out",
			GroupBy:         "host",
			Deviation:       3,
			BaselineBuckets: 8,
			MinBaseline:     4,
		},
	}
}
