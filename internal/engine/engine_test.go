package engine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"escalation/internal/clock"
	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/events"
	"escalation/internal/notify"
	"escalation/internal/rules"
	"escalation/internal/state"
)

// capturePublisher records every published event in order.
type capturePublisher struct {
	published []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, event events.Event) {
	p.published = append(p.published, event)
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) kinds() []events.Kind {
	kinds := make([]events.Kind, 0, len(p.published))
	for _, event := range p.published {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

// stubGateway returns one fixed delivery summary for every send.
type stubGateway struct {
	delivery notify.Delivery
	sends    []notify.Notification
}

func (g *stubGateway) Send(_ context.Context, notification notify.Notification) notify.Delivery {
	g.sends = append(g.sends, notification)
	return g.delivery
}

type testHarness struct {
	engine    *Engine
	store     *state.MemoryStore
	clk       *clock.Manual
	publisher *capturePublisher
	gateway   *stubGateway
}

func newHarness(t *testing.T, ruleCfgs []config.RuleConfig) *testHarness {
	t.Helper()
	store := state.NewMemoryStore()
	clk := clock.NewManual(time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC))
	publisher := &capturePublisher{}
	gateway := &stubGateway{delivery: notify.Delivery{Requested: 1, Delivered: 1}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(rules.NewCatalog(ruleCfgs), store, gateway, publisher, logger, clk, 5*time.Second)
	return &testHarness{engine: eng, store: store, clk: clk, publisher: publisher, gateway: gateway}
}

func ladderRule() config.RuleConfig {
	return config.RuleConfig{
		ID:           "vehicle-offline",
		Name:         "Vehicle offline",
		Priority:     1,
		MaxLevel:     3,
		AutoEscalate: true,
		IsActive:     true,
		Conditions: config.RuleConditions{
			AlertTypes: []string{"ALERT", "CRITICAL"},
			Severities: []string{"HIGH", "CRITICAL"},
		},
		Level: []config.LevelConfig{
			{
				Number:           1,
				Name:             "notify operators",
				TimeThresholdMin: 0,
				Action:           []config.ActionConfig{{Type: config.ActionLog, Message: "level 1"}},
				Notification: []config.NotificationConfig{{
					Title:    "Vehicle offline",
					Message:  "vehicle went dark",
					Priority: config.PriorityNormal,
				}},
			},
			{
				Number:           2,
				Name:             "notify supervisors",
				TimeThresholdMin: 15,
				Action:           []config.ActionConfig{{Type: config.ActionLog, Message: "level 2"}},
			},
			{
				Number:           3,
				Name:             "notify management",
				TimeThresholdMin: 30,
				Action:           []config.ActionConfig{{Type: config.ActionLog, Message: "level 3"}},
			},
		},
	}
}

func offlineAlert() domain.Alert {
	return domain.Alert{
		ID:          "alert-7",
		Type:        domain.AlertTypeAlert,
		Severity:    domain.SeverityHigh,
		Title:       "Vehicle offline",
		Description: "no telemetry for 10 minutes",
		Zone:        "centro",
		VehicleID:   "bus-042",
	}
}

func TestProcessAlertOpensRecordAtLevelOne(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.RuleConfig{ladderRule()})
	record, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}
	if record == nil {
		t.Fatal("expected a record for a matching alert")
	}

	if record.Status != domain.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", record.Status)
	}
	if record.CurrentLevel != 1 {
		t.Fatalf("current level = %d, want 1", record.CurrentLevel)
	}
	if record.RuleID != "vehicle-offline" || record.OriginalAlertID != "alert-7" {
		t.Fatalf("record identity wrong: %+v", record)
	}
	if len(record.History) != 1 || record.History[0].Status != domain.EventExecuted {
		t.Fatalf("history = %+v, want one EXECUTED event", record.History)
	}

	// Level 2 threshold is 15 minutes from execution.
	wantDue := h.clk.Now().Add(15 * time.Minute)
	if record.NextEscalation == nil || !record.NextEscalation.Equal(wantDue) {
		t.Fatalf("next escalation = %v, want %v", record.NextEscalation, wantDue)
	}

	stored, _, err := h.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if stored.CurrentLevel != 1 {
		t.Fatalf("persisted level = %d, want 1", stored.CurrentLevel)
	}

	kinds := h.publisher.kinds()
	if len(kinds) != 2 || kinds[0] != events.KindEscalated || kinds[1] != events.KindLevelExecuted {
		t.Fatalf("published kinds = %v", kinds)
	}
	if len(h.gateway.sends) != 1 {
		t.Fatalf("gateway sends = %d, want 1 level notification", len(h.gateway.sends))
	}
}

func TestProcessAlertNoApplicableRule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.RuleConfig{ladderRule()})
	alert := offlineAlert()
	alert.Type = domain.AlertTypeInfo

	record, err := h.engine.ProcessAlert(context.Background(), alert)
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}
	if record != nil {
		t.Fatalf("record = %+v, want nil for unmatched alert", record)
	}
	records, err := h.store.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("store holds %d records, want 0", len(records))
	}
}

func TestProcessAlertIdempotentForOpenRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.RuleConfig{ladderRule()})
	first, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("first process failed: %v", err)
	}
	second, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("second process failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate alert opened a new record: %s vs %s", second.ID, first.ID)
	}

	records, err := h.store.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("store holds %d records, want 1", len(records))
	}
}

func TestSweepAdvancesDueRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.RuleConfig{ladderRule()})
	record, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}

	// Not yet due.
	advanced, err := h.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if advanced != 0 {
		t.Fatalf("advanced = %d before due time, want 0", advanced)
	}

	h.clk.Advance(15 * time.Minute)
	advanced, err = h.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("advanced = %d, want 1", advanced)
	}

	after, _, err := h.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("read after sweep failed: %v", err)
	}
	if after.CurrentLevel != 2 {
		t.Fatalf("current level = %d, want 2", after.CurrentLevel)
	}
	if len(after.History) != 2 {
		t.Fatalf("history length = %d, want 2", len(after.History))
	}
	wantDue := h.clk.Now().Add(30 * time.Minute)
	if after.NextEscalation == nil || !after.NextEscalation.Equal(wantDue) {
		t.Fatalf("next escalation = %v, want %v", after.NextEscalation, wantDue)
	}
}

func TestSweepClosesLadderBeyondMaxLevel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.RuleConfig{ladderRule()})
	due := h.clk.Now().Add(-time.Minute)
	record := domain.Record{
		ID:              "esc/vehicle-offline/alert-9/1",
		OriginalAlertID: "alert-9",
		RuleID:          "vehicle-offline",
		CurrentLevel:    3,
		MaxLevel:        3,
		Status:          domain.StatusActive,
		History:         []domain.EscalationEvent{{ID: "e1", Level: 3, Status: domain.EventExecuted}},
		AlertType:       domain.AlertTypeAlert,
		Severity:        domain.SeverityHigh,
		CreatedAt:       h.clk.Now().Add(-time.Hour),
		NextEscalation:  &due,
		AutoEscalate:    true,
	}
	if _, err := h.store.Put(context.Background(), record.ID, record); err != nil {
		t.Fatalf("seed record failed: %v", err)
	}

	advanced, err := h.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("advanced = %d, want 1", advanced)
	}

	after, _, err := h.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("read after sweep failed: %v", err)
	}
	if after.Status != domain.StatusEscalated {
		t.Fatalf("status = %s, want ESCALATED", after.Status)
	}
	if after.NextEscalation != nil {
		t.Fatal("next escalation must be cleared on exhaustion")
	}
	if len(after.History) != 1 {
		t.Fatalf("exhaustion must not append history, got %d entries", len(after.History))
	}

	kinds := h.publisher.kinds()
	if len(kinds) != 1 || kinds[0] != events.KindCompleted {
		t.Fatalf("published kinds = %v, want [escalation_completed]", kinds)
	}
}

func TestSweepSkipsTerminalRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.RuleConfig{ladderRule()})
	record, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}
	if _, err := h.engine.Resolve(context.Background(), record.ID, "dispatcher"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	h.clk.Advance(time.Hour)
	advanced, err := h.engine.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if advanced != 0 {
		t.Fatalf("advanced = %d for resolved record, want 0", advanced)
	}
}

func TestAcknowledgeOnlyActiveRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.RuleConfig{ladderRule()})
	record, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}

	ok, err := h.engine.Acknowledge(context.Background(), record.ID, "dispatcher")
	if err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if !ok {
		t.Fatal("acknowledge of an active record must succeed")
	}

	after, _, err := h.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if after.Status != domain.StatusAcknowledged || after.AcknowledgedBy != "dispatcher" {
		t.Fatalf("record after ack: %+v", after)
	}
	if after.AcknowledgedAt == nil || after.NextEscalation != nil {
		t.Fatal("ack must stamp time and clear the schedule")
	}

	// Second acknowledge finds a non-ACTIVE record.
	ok, err = h.engine.Acknowledge(context.Background(), record.ID, "someone-else")
	if err != nil {
		t.Fatalf("second acknowledge errored: %v", err)
	}
	if ok {
		t.Fatal("acknowledge must be false for non-active records")
	}

	ok, err = h.engine.Acknowledge(context.Background(), "missing-record", "dispatcher")
	if err != nil {
		t.Fatalf("acknowledge of absent record errored: %v", err)
	}
	if ok {
		t.Fatal("acknowledge must be false for absent records")
	}
}

func TestResolveFromAnyNonResolvedStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.RuleConfig{ladderRule()})
	record, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}
	if _, err := h.engine.Acknowledge(context.Background(), record.ID, "dispatcher"); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	ok, err := h.engine.Resolve(context.Background(), record.ID, "dispatcher")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !ok {
		t.Fatal("resolve of an acknowledged record must succeed")
	}

	after, _, err := h.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if after.Status != domain.StatusResolved || after.ResolvedBy != "dispatcher" || after.ResolvedAt == nil {
		t.Fatalf("record after resolve: %+v", after)
	}

	ok, err = h.engine.Resolve(context.Background(), record.ID, "again")
	if err != nil {
		t.Fatalf("second resolve errored: %v", err)
	}
	if ok {
		t.Fatal("resolve must be false when already resolved")
	}
}

func TestFailedStatusAfterExhaustedActionRetries(t *testing.T) {
	t.Parallel()

	rule := ladderRule()
	rule.Level[0].Action = []config.ActionConfig{{
		Type:       config.ActionEmail,
		Message:    "call the depot",
		Recipients: []string{"op-1"},
		Retry:      config.RetryPolicy{Enabled: true, MaxAttempts: 2},
	}}

	h := newHarness(t, []config.RuleConfig{rule})
	// Every fan-out fails, so the direct-channel action fails each attempt.
	h.gateway.delivery = notify.Delivery{Requested: 1, Failed: 1}

	record, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}

	if record.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", record.Status)
	}
	if record.NextEscalation != nil {
		t.Fatal("failed record must not schedule further escalation")
	}
	if len(record.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(record.History))
	}
	event := record.History[0]
	if event.Status != domain.EventFailed || event.FailureReason == "" {
		t.Fatalf("history event = %+v, want FAILED with reason", event)
	}
	if len(h.gateway.sends) != 2 {
		t.Fatalf("gateway sends = %d, want 2 retry attempts", len(h.gateway.sends))
	}

	kinds := h.publisher.kinds()
	if len(kinds) != 2 || kinds[1] != events.KindLevelFailed {
		t.Fatalf("published kinds = %v, want level_failed after escalated", kinds)
	}

	// Terminal record blocks the open-record dedupe, so a fresh incident
	// with the same alert id opens a new record.
	h.clk.Advance(time.Minute)
	again, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("reprocess failed: %v", err)
	}
	if again == nil || again.ID == record.ID {
		t.Fatal("terminal record must not satisfy the open-record dedupe")
	}
}

func TestHistoryIsAppendOnlyAcrossAdvances(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.RuleConfig{ladderRule()})
	record, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}
	firstEventID := record.History[0].ID

	h.clk.Advance(15 * time.Minute)
	if _, err := h.engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	h.clk.Advance(30 * time.Minute)
	if _, err := h.engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	after, _, err := h.store.Get(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if after.CurrentLevel != 3 {
		t.Fatalf("current level = %d, want 3", after.CurrentLevel)
	}
	if len(after.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(after.History))
	}
	if after.History[0].ID != firstEventID {
		t.Fatal("existing history entries must never be rewritten")
	}
	for index, event := range after.History {
		if event.Level != index+1 {
			t.Fatalf("history levels out of order: %+v", after.History)
		}
	}
	// Ladder top reached with no level 4 defined: no further schedule.
	if after.NextEscalation != nil {
		t.Fatalf("next escalation = %v, want nil at ladder top", after.NextEscalation)
	}
}

func TestExecuteSystemActionVerbs(t *testing.T) {
	t.Parallel()

	rule := ladderRule()
	rule.Level[0].Action = []config.ActionConfig{
		{Type: config.ActionSystem, SystemAction: "mark vehicle for maintenance"},
		{Type: config.ActionSystem, SystemAction: "activate emergency protocol"},
		{Type: config.ActionSystem, SystemAction: "notify authorities"},
		{Type: config.ActionSystem, SystemAction: "launch the fleet into orbit"},
	}

	h := newHarness(t, []config.RuleConfig{rule})
	record, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}
	// Unknown verbs warn but never fail the level.
	if record.Status != domain.StatusActive || record.CurrentLevel != 1 {
		t.Fatalf("record = %+v, want executed level 1", record)
	}
}

func TestUnsupportedActionTypeFailsLevel(t *testing.T) {
	t.Parallel()

	rule := ladderRule()
	rule.Level[0].Action = []config.ActionConfig{{Type: "CARRIER_PIGEON"}}

	h := newHarness(t, []config.RuleConfig{rule})
	record, err := h.engine.ProcessAlert(context.Background(), offlineAlert())
	if err != nil {
		t.Fatalf("process alert failed: %v", err)
	}
	if record.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED for unsupported action type", record.Status)
	}
	if !strings.Contains(record.History[0].FailureReason, "CARRIER_PIGEON") {
		t.Fatalf("failure reason %q must name the bad action type", record.History[0].FailureReason)
	}
}
