package correlation

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"dfir-detect/internal/schema"
)

func newEvent(action, host string, ts time.Time, fields map[string]any) *schema.Event {
	return &schema.Event{
		EventID:   uuid.New(),
		TenantID:  "acme",
		Timestamp: ts,
		Action:    action,
		Entities:  schema.Entities{Host: host},
		Fields:    fields,
	}
}

func TestCondition_Match(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := newEvent("process_create", "H1", ts, map[string]any{
		"command_line": "PowerShell.exe -enc AAAA",
		"dest_port":    443,
		"bytes_out":    "1024",
		"dest_ip":      "203.0.113.7",
		"first_seen":   "2024-04-30T00:00:00Z",
	})
	ev.Entities.Indicators = []string{"evil.example", "203.0.113.7"}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq", Condition{Field: "action", Operator: OpEq, Value: "process_create"}, true},
		{"eq case sensitive", Condition{Field: "action", Operator: OpEq, Value: "Process_Create"}, false},
		{"eq istring", Condition{Field: "action", Operator: OpEq, Value: "Process_Create", Type: TypeIString}, true},
		{"ne", Condition{Field: "host", Operator: OpNe, Value: "H2"}, true},
		{"ne missing field", Condition{Field: "nope", Operator: OpNe, Value: "x"}, true},
		{"contains", Condition{Field: "command_line", Operator: OpContains, Value: "-enc"}, true},
		{"contains case sensitive", Condition{Field: "command_line", Operator: OpContains, Value: "powershell"}, false},
		{"contains istring", Condition{Field: "command_line", Operator: OpContains, Value: "powershell", Type: TypeIString}, true},
		{"not_contains", Condition{Field: "command_line", Operator: OpNotContains, Value: "cmd.exe"}, true},
		{"starts_with", Condition{Field: "command_line", Operator: OpStartsWith, Value: "PowerShell"}, true},
		{"ends_with", Condition{Field: "command_line", Operator: OpEndsWith, Value: "AAAA"}, true},
		{"gt number", Condition{Field: "dest_port", Operator: OpGt, Value: 80, Type: TypeNumber}, true},
		{"lte number", Condition{Field: "dest_port", Operator: OpLte, Value: 80, Type: TypeNumber}, false},
		{"gte numeric string", Condition{Field: "bytes_out", Operator: OpGte, Value: 1024, Type: TypeNumber}, true},
		{"gt untyped numeric value", Condition{Field: "dest_port", Operator: OpGt, Value: 100}, true},
		{"lt date", Condition{Field: "first_seen", Operator: OpLt, Value: "2024-05-01T00:00:00Z", Type: TypeDate}, true},
		{"gt date", Condition{Field: "first_seen", Operator: OpGt, Value: "2024-05-01T00:00:00Z", Type: TypeDate}, false},
		{"exists", Condition{Field: "command_line", Operator: OpExists}, true},
		{"exists missing", Condition{Field: "user", Operator: OpExists}, false},
		{"not_exists", Condition{Field: "user", Operator: OpNotExists}, true},
		{"regex", Condition{Field: "command_line", Operator: OpRegex, Value: `-e(nc)?\s`}, true},
		{"regex istring", Condition{Field: "command_line", Operator: OpRegex, Value: `^powershell`, Type: TypeIString}, true},
		{"in", Condition{Field: "host", Operator: OpIn, Values: []any{"H1", "H2"}}, true},
		{"not_in", Condition{Field: "host", Operator: OpNotIn, Values: []any{"H1", "H2"}}, false},
		{"in number", Condition{Field: "dest_port", Operator: OpIn, Values: []any{22, 443}, Type: TypeNumber}, true},
		{"ip in cidr", Condition{Field: "dest_ip", Operator: OpIn, Values: []any{"203.0.113.0/24"}, Type: TypeIP}, true},
		{"ip not_in private", Condition{Field: "dest_ip", Operator: OpNotIn, Values: []any{"10.0.0.0/8", "192.168.0.0/16"}, Type: TypeIP}, true},
		{"ip eq", Condition{Field: "dest_ip", Operator: OpEq, Value: "203.0.113.8", Type: TypeIP}, false},
		{"indicator any element", Condition{Field: "indicators", Operator: OpEq, Value: "evil.example"}, true},
		{"indicator ne all elements", Condition{Field: "indicators", Operator: OpNe, Value: "evil.example"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, err := compileCondition(tt.cond)
			if err != nil {
				t.Fatalf("compileCondition() error = %v", err)
			}
			if got := cc.match(ev); got != tt.want {
				t.Errorf("match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompileCondition_Errors(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
	}{
		{"missing field", Condition{Operator: OpEq, Value: "x"}},
		{"unknown operator", Condition{Field: "a", Operator: "like", Value: "x"}},
		{"unknown type", Condition{Field: "a", Operator: OpEq, Value: "x", Type: "blob"}},
		{"bad regex", Condition{Field: "a", Operator: OpRegex, Value: "("}},
		{"missing value", Condition{Field: "a", Operator: OpEq}},
		{"empty in", Condition{Field: "a", Operator: OpIn}},
		{"bad number", Condition{Field: "a", Operator: OpGt, Value: "ten", Type: TypeNumber}},
		{"bad date", Condition{Field: "a", Operator: OpLt, Value: "yesterday", Type: TypeDate}},
		{"bad cidr", Condition{Field: "a", Operator: OpIn, Values: []any{"10.0.0.0/40"}, Type: TypeIP}},
		{"ordered ip", Condition{Field: "a", Operator: OpGt, Value: "10.0.0.1", Type: TypeIP}},
		{"contains on number", Condition{Field: "a", Operator: OpContains, Value: 1, Type: TypeNumber}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := compileCondition(tt.cond); err == nil {
				t.Error("compileCondition() error = nil, want error")
			}
		})
	}
}
