package rules

import (
	"sort"

	"escalation/internal/config"
	"escalation/internal/domain"
)

// Catalog holds immutable escalation rule definitions loaded at startup.
// Params: by-id lookup map and insertion-ordered slice.
// Returns: pure lookup surface; no mutation after construction.
type Catalog struct {
	byID    map[string]config.RuleConfig
	ordered []config.RuleConfig
}

// NewCatalog builds the rule catalog from the config snapshot.
// Params: normalized rule list in declaration order.
// Returns: initialized catalog.
func NewCatalog(input []config.RuleConfig) *Catalog {
	byID := make(map[string]config.RuleConfig, len(input))
	ordered := make([]config.RuleConfig, 0, len(input))
	for _, rule := range input {
		byID[rule.ID] = rule
		ordered = append(ordered, rule)
	}
	return &Catalog{byID: byID, ordered: ordered}
}

// FindApplicable returns active rules matching the alert, best first.
// Params: validated inbound alert.
// Returns: rules sorted ascending by priority; insertion order breaks ties.
func (c *Catalog) FindApplicable(alert domain.Alert) []config.RuleConfig {
	matched := make([]config.RuleConfig, 0)
	for _, rule := range c.ordered {
		if !Applicable(rule, alert) {
			continue
		}
		matched = append(matched, rule)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})
	return matched
}

// Rule returns one rule by id.
// Params: rule id.
// Returns: rule definition and existence flag.
func (c *Catalog) Rule(id string) (config.RuleConfig, bool) {
	rule, ok := c.byID[id]
	return rule, ok
}

// All returns every rule in declaration order.
// Params: none.
// Returns: shared immutable rule slice.
func (c *Catalog) All() []config.RuleConfig {
	return c.ordered
}

// Level returns one level definition by number.
// Params: rule definition and level number.
// Returns: level config and existence flag.
func Level(rule config.RuleConfig, number int) (config.LevelConfig, bool) {
	for _, level := range rule.Level {
		if level.Number == number {
			return level, true
		}
	}
	return config.LevelConfig{}, false
}

// Applicable checks the AND-of-filters rule predicate against one alert.
// Params: rule definition and validated alert.
// Returns: true when every condition filter admits the alert.
func Applicable(rule config.RuleConfig, alert domain.Alert) bool {
	if !rule.IsActive {
		return false
	}
	if !containsString(rule.Conditions.AlertTypes, string(alert.Type)) {
		return false
	}
	if !containsString(rule.Conditions.Severities, string(alert.Severity)) {
		return false
	}
	if len(rule.Conditions.Zones) > 0 {
		if alert.Zone == "" || !containsString(rule.Conditions.Zones, alert.Zone) {
			return false
		}
	}
	if len(rule.Conditions.Vehicles) > 0 {
		if alert.VehicleID == "" || !containsString(rule.Conditions.Vehicles, alert.VehicleID) {
			return false
		}
	}
	return true
}

// containsString checks case-sensitive membership.
// Params: haystack string list and expected value.
// Returns: true when value exists in list.
func containsString(values []string, expected string) bool {
	for _, v := range values {
		if v == expected {
			return true
		}
	}
	return false
}
