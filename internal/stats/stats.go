package stats

import (
	"escalation/internal/domain"
)

// Snapshot aggregates the current record set for reporting.
// Params: counters and derived ratios.
// Returns: point-in-time statistics.
type Snapshot struct {
	TotalEscalated           int            `json:"total_escalated"`
	ByStatus                 map[string]int `json:"by_status"`
	ByLevel                  map[int]int    `json:"by_level"`
	ByRule                   map[string]int `json:"by_rule"`
	AverageResolutionMinutes float64        `json:"average_resolution_minutes"`
	EscalationRate           float64        `json:"escalation_rate"`
}

// Compute aggregates one record set into a snapshot. Average resolution
// time covers RESOLVED records only; escalation rate is the percentage
// of records that exhausted their ladder.
// Params: full record list.
// Returns: computed snapshot.
func Compute(records []domain.Record) Snapshot {
	snapshot := Snapshot{
		TotalEscalated: len(records),
		ByStatus:       make(map[string]int),
		ByLevel:        make(map[int]int),
		ByRule:         make(map[string]int),
	}

	resolvedCount := 0
	resolvedMinutes := 0.0
	exhaustedCount := 0
	for _, record := range records {
		snapshot.ByStatus[string(record.Status)]++
		snapshot.ByLevel[record.CurrentLevel]++
		snapshot.ByRule[record.RuleID]++

		if record.Status == domain.StatusResolved && record.ResolvedAt != nil {
			resolvedCount++
			resolvedMinutes += record.ResolvedAt.Sub(record.CreatedAt).Minutes()
		}
		if record.Status == domain.StatusEscalated {
			exhaustedCount++
		}
	}

	if resolvedCount > 0 {
		snapshot.AverageResolutionMinutes = resolvedMinutes / float64(resolvedCount)
	}
	if len(records) > 0 {
		snapshot.EscalationRate = 100 * float64(exhaustedCount) / float64(len(records))
	}
	return snapshot
}
