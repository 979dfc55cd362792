package rules

import (
	"testing"

	"escalation/internal/config"
	"escalation/internal/domain"
)

func baseRule(id string, priority int) config.RuleConfig {
	return config.RuleConfig{
		ID:       id,
		Name:     id,
		Priority: priority,
		MaxLevel: 2,
		IsActive: true,
		Conditions: config.RuleConditions{
			AlertTypes: []string{"EMERGENCY", "CRITICAL"},
			Severities: []string{"HIGH", "CRITICAL"},
		},
		Level: []config.LevelConfig{
			{Number: 1, Name: "first", TimeThresholdMin: 2},
			{Number: 2, Name: "second", TimeThresholdMin: 5},
		},
	}
}

func TestFindApplicableMatrix(t *testing.T) {
	t.Parallel()

	zoned := baseRule("zoned", 1)
	zoned.Conditions.Zones = []string{"centro-historico"}
	vehicled := baseRule("vehicled", 2)
	vehicled.Conditions.Vehicles = []string{"bus-042"}
	inactive := baseRule("inactive", 0)
	inactive.IsActive = false
	catalog := NewCatalog([]config.RuleConfig{zoned, vehicled, inactive, baseRule("open", 3)})

	cases := []struct {
		name  string
		alert domain.Alert
		want  []string
	}{
		{
			name:  "type mismatch",
			alert: domain.Alert{Type: domain.AlertTypeInfo, Severity: domain.SeverityHigh},
			want:  nil,
		},
		{
			name:  "severity mismatch",
			alert: domain.Alert{Type: domain.AlertTypeEmergency, Severity: domain.SeverityLow},
			want:  nil,
		},
		{
			name:  "no zone skips zoned rule",
			alert: domain.Alert{Type: domain.AlertTypeEmergency, Severity: domain.SeverityCritical},
			want:  []string{"open"},
		},
		{
			name:  "zone match",
			alert: domain.Alert{Type: domain.AlertTypeEmergency, Severity: domain.SeverityCritical, Zone: "centro-historico"},
			want:  []string{"zoned", "open"},
		},
		{
			name:  "vehicle match",
			alert: domain.Alert{Type: domain.AlertTypeCritical, Severity: domain.SeverityHigh, VehicleID: "bus-042"},
			want:  []string{"vehicled", "open"},
		},
	}

	for _, testCase := range cases {
		matched := catalog.FindApplicable(testCase.alert)
		if len(matched) != len(testCase.want) {
			t.Fatalf("%s: expected %d rules, got %d", testCase.name, len(testCase.want), len(matched))
		}
		for index, wantID := range testCase.want {
			if matched[index].ID != wantID {
				t.Fatalf("%s: position %d expected %q, got %q", testCase.name, index, wantID, matched[index].ID)
			}
		}
	}
}

func TestFindApplicableStablePriorityOrder(t *testing.T) {
	t.Parallel()

	first := baseRule("first", 1)
	second := baseRule("second", 1)
	third := baseRule("third", 0)
	catalog := NewCatalog([]config.RuleConfig{first, second, third})

	matched := catalog.FindApplicable(domain.Alert{Type: domain.AlertTypeEmergency, Severity: domain.SeverityCritical})
	if len(matched) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matched))
	}
	if matched[0].ID != "third" {
		t.Fatalf("lowest priority number must come first, got %q", matched[0].ID)
	}
	if matched[1].ID != "first" || matched[2].ID != "second" {
		t.Fatalf("priority ties must keep insertion order, got %q, %q", matched[1].ID, matched[2].ID)
	}
}

func TestRuleAndLevelLookup(t *testing.T) {
	t.Parallel()

	catalog := NewCatalog([]config.RuleConfig{baseRule("r1", 1)})
	rule, ok := catalog.Rule("r1")
	if !ok {
		t.Fatalf("expected rule r1")
	}
	if _, ok := catalog.Rule("missing"); ok {
		t.Fatalf("unexpected rule hit")
	}

	level, ok := Level(rule, 2)
	if !ok || level.Name != "second" {
		t.Fatalf("expected level 2, got %+v ok=%v", level, ok)
	}
	if _, ok := Level(rule, 3); ok {
		t.Fatalf("unexpected level 3 hit")
	}
}
