package stats

import (
	"testing"
	"time"

	"escalation/internal/domain"
)

func TestComputeEmptySet(t *testing.T) {
	t.Parallel()

	snapshot := Compute(nil)
	if snapshot.TotalEscalated != 0 {
		t.Fatalf("expected zero total, got %d", snapshot.TotalEscalated)
	}
	if snapshot.AverageResolutionMinutes != 0 || snapshot.EscalationRate != 0 {
		t.Fatalf("expected zero derived metrics, got %+v", snapshot)
	}
}

func TestComputeCountsAndRate(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	resolvedAt := created.Add(30 * time.Minute)
	records := []domain.Record{
		{RuleID: "r1", CurrentLevel: 1, Status: domain.StatusActive, CreatedAt: created},
		{RuleID: "r1", CurrentLevel: 2, Status: domain.StatusEscalated, CreatedAt: created},
		{RuleID: "r2", CurrentLevel: 1, Status: domain.StatusResolved, CreatedAt: created, ResolvedAt: &resolvedAt},
		{RuleID: "r2", CurrentLevel: 3, Status: domain.StatusAcknowledged, CreatedAt: created},
	}

	snapshot := Compute(records)
	if snapshot.TotalEscalated != 4 {
		t.Fatalf("expected total 4, got %d", snapshot.TotalEscalated)
	}

	sum := 0
	for _, count := range snapshot.ByStatus {
		sum += count
	}
	if sum != snapshot.TotalEscalated {
		t.Fatalf("status counts %d must sum to total %d", sum, snapshot.TotalEscalated)
	}

	if snapshot.ByRule["r1"] != 2 || snapshot.ByRule["r2"] != 2 {
		t.Fatalf("unexpected rule counts: %+v", snapshot.ByRule)
	}
	if snapshot.ByLevel[1] != 2 {
		t.Fatalf("unexpected level counts: %+v", snapshot.ByLevel)
	}
	if snapshot.EscalationRate != 25 {
		t.Fatalf("expected escalation rate 25, got %v", snapshot.EscalationRate)
	}
	if snapshot.AverageResolutionMinutes != 30 {
		t.Fatalf("expected average resolution 30m, got %v", snapshot.AverageResolutionMinutes)
	}
}
