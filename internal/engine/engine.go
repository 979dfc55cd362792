package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"escalation/internal/clock"
	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/events"
	"escalation/internal/notify"
	"escalation/internal/rules"
	"escalation/internal/state"

	"github.com/google/uuid"
)

const ackUpdateAttempts = 3

// Gateway delivers level notifications and direct-channel action sends.
// Params: context and notification payload.
// Returns: per-fan-out delivery summary.
type Gateway interface {
	Send(ctx context.Context, notification notify.Notification) notify.Delivery
}

// Engine is the escalation state machine. It matches incoming alerts to
// rules, creates and advances escalation records, executes level actions,
// and processes acknowledgement/resolution.
// Params: rule catalog, record store, gateway, event publisher, clock.
// Returns: deterministic record lifecycle driver.
type Engine struct {
	catalog       *rules.Catalog
	store         state.Store
	gateway       Gateway
	publisher     events.Publisher
	logger        *slog.Logger
	clk           clock.Clock
	actionTimeout time.Duration
}

// New constructs the escalation engine.
// Params: collaborators plus per-action hard timeout.
// Returns: initialized engine instance.
func New(
	catalog *rules.Catalog,
	store state.Store,
	gateway Gateway,
	publisher events.Publisher,
	logger *slog.Logger,
	clk clock.Clock,
	actionTimeout time.Duration,
) *Engine {
	return &Engine{
		catalog:       catalog,
		store:         store,
		gateway:       gateway,
		publisher:     publisher,
		logger:        logger,
		clk:           clk,
		actionTimeout: actionTimeout,
	}
}

// ProcessAlert matches one alert against the catalog and opens an
// escalation record under the highest-priority applicable rule. Level 1
// executes synchronously within the call. Processing is idempotent: an
// existing non-terminal record for the same alert id is returned instead
// of opening a duplicate.
// Params: context and validated alert.
// Returns: created (or existing) record, nil when no rule applies.
func (e *Engine) ProcessAlert(ctx context.Context, alert domain.Alert) (*domain.Record, error) {
	applicable := e.catalog.FindApplicable(alert)
	if len(applicable) == 0 {
		e.logger.Debug("no applicable escalation rule", "alert_id", alert.ID, "type", string(alert.Type))
		return nil, nil
	}

	existing, found, err := e.findOpenRecord(ctx, alert.ID)
	if err != nil {
		return nil, err
	}
	if found {
		e.logger.Info("alert already escalating, returning open record",
			"alert_id", alert.ID,
			"record_id", existing.ID,
		)
		return &existing, nil
	}

	rule := applicable[0]
	now := e.clk.Now()
	record := domain.Record{
		ID:              fmt.Sprintf("esc/%s/%s/%d", rule.ID, alert.ID, now.UnixMilli()),
		OriginalAlertID: alert.ID,
		RuleID:          rule.ID,
		CurrentLevel:    0,
		MaxLevel:        rule.MaxLevel,
		Status:          domain.StatusActive,
		History:         make([]domain.EscalationEvent, 0, 1),
		AlertType:       alert.Type,
		Severity:        alert.Severity,
		Zone:            alert.Zone,
		VehicleID:       alert.VehicleID,
		Title:           alert.Title,
		Description:     alert.Description,
		CreatedAt:       now,
		AutoEscalate:    rule.AutoEscalate,
	}

	levelEvents := e.executeLevel(ctx, &record, rule, 1)
	if _, err := e.store.Put(ctx, record.ID, record); err != nil {
		return nil, fmt.Errorf("persist record %q: %w", record.ID, err)
	}

	e.publisher.Publish(ctx, events.Event{
		Kind:     events.KindEscalated,
		RecordID: record.ID,
		RuleID:   record.RuleID,
		At:       now,
	})
	for _, event := range levelEvents {
		e.publisher.Publish(ctx, event)
	}

	e.logger.Info("alert escalated",
		"alert_id", alert.ID,
		"record_id", record.ID,
		"rule_id", rule.ID,
		"status", string(record.Status),
	)
	return &record, nil
}

// Sweep advances every due record once. Each due record runs on its own
// goroutine; per-record safety comes from store revision CAS, so a
// conflicting writer skips and the next sweep retries.
// Params: context for the whole pass.
// Returns: number of records advanced, listing error.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list records for sweep: %w", err)
	}

	now := e.clk.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex
	advanced := 0
	for _, record := range records {
		if !record.Due(now) {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if e.advanceRecord(ctx, id) {
				mu.Lock()
				advanced++
				mu.Unlock()
			}
		}(record.ID)
	}
	wg.Wait()
	return advanced, nil
}

// advanceRecord re-reads one record under its revision and advances it by
// one level, or closes the ladder when already at the top.
// Params: context and record id.
// Returns: true when the record was mutated and persisted.
func (e *Engine) advanceRecord(ctx context.Context, id string) bool {
	record, revision, err := e.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			e.logger.Error("sweep read failed", "record_id", id, "error", err.Error())
		}
		return false
	}
	now := e.clk.Now()
	if !record.Due(now) {
		return false
	}

	rule, ok := e.catalog.Rule(record.RuleID)
	if !ok {
		e.logger.Warn("record references unknown rule", "record_id", id, "rule_id", record.RuleID)
		return false
	}

	var levelEvents []events.Event
	nextLevel := record.CurrentLevel + 1
	if nextLevel > record.MaxLevel {
		record.Status = domain.StatusEscalated
		record.NextEscalation = nil
		levelEvents = []events.Event{{
			Kind:     events.KindCompleted,
			RecordID: record.ID,
			RuleID:   record.RuleID,
			Level:    record.CurrentLevel,
			At:       now,
		}}
	} else {
		levelEvents = e.executeLevel(ctx, &record, rule, nextLevel)
	}

	if _, err := e.store.Update(ctx, id, revision, record); err != nil {
		if errors.Is(err, state.ErrConflict) {
			e.logger.Debug("sweep advance skipped, concurrent update", "record_id", id)
			return false
		}
		e.logger.Error("sweep persist failed", "record_id", id, "error", err.Error())
		return false
	}
	for _, event := range levelEvents {
		e.publisher.Publish(ctx, event)
	}
	return true
}

// executeLevel runs one level's action pipeline against the record in
// place: a PENDING history event is appended as EXECUTED on success or
// FAILED after the action retry budget is spent, in which case the
// record transitions to the terminal FAILED status. Gateway notification
// failures are logged and never fail the level.
// Params: context, mutable record, owning rule, and level number.
// Returns: lifecycle events to publish after persisting the record.
func (e *Engine) executeLevel(ctx context.Context, record *domain.Record, rule config.RuleConfig, levelNumber int) []events.Event {
	level, ok := rules.Level(rule, levelNumber)
	if !ok {
		e.logger.Warn("level not defined, skipping execution",
			"record_id", record.ID,
			"rule_id", rule.ID,
			"level", levelNumber,
		)
		return nil
	}

	now := e.clk.Now()
	event := domain.EscalationEvent{
		ID:        uuid.NewString(),
		Level:     levelNumber,
		Action:    level.Name,
		Status:    domain.EventPending,
		CreatedAt: now,
		Details: map[string]any{
			"rule_id": rule.ID,
			"actions": len(level.Action),
		},
	}

	if err := e.runActions(ctx, record, level); err != nil {
		failedAt := e.clk.Now()
		event.Status = domain.EventFailed
		event.ExecutedAt = &failedAt
		event.FailureReason = err.Error()
		record.History = append(record.History, event)
		record.Status = domain.StatusFailed
		record.NextEscalation = nil
		e.logger.Error("level execution failed",
			"record_id", record.ID,
			"level", levelNumber,
			"error", err.Error(),
		)
		return []events.Event{{
			Kind:     events.KindLevelFailed,
			RecordID: record.ID,
			RuleID:   record.RuleID,
			Level:    levelNumber,
			At:       failedAt,
		}}
	}

	executedAt := e.clk.Now()
	event.Status = domain.EventExecuted
	event.ExecutedAt = &executedAt
	record.History = append(record.History, event)
	record.CurrentLevel = levelNumber
	record.LastEscalated = &executedAt
	record.NextEscalation = e.scheduleNext(*record, rule, levelNumber, executedAt)

	e.dispatchNotifications(ctx, record, level)

	return []events.Event{{
		Kind:     events.KindLevelExecuted,
		RecordID: record.ID,
		RuleID:   record.RuleID,
		Level:    levelNumber,
		At:       executedAt,
	}}
}

// scheduleNext computes the next automatic escalation time.
// Params: record snapshot, rule, just-executed level, and reference time.
// Returns: nil when no further automatic advance is scheduled.
func (e *Engine) scheduleNext(record domain.Record, rule config.RuleConfig, executedLevel int, now time.Time) *time.Time {
	if !record.AutoEscalate {
		return nil
	}
	nextLevel, ok := rules.Level(rule, executedLevel+1)
	if !ok || executedLevel+1 > record.MaxLevel {
		return nil
	}
	due := now.Add(time.Duration(nextLevel.TimeThresholdMin) * time.Minute)
	return &due
}

// dispatchNotifications fans the level's notifications out through the
// gateway. Failures are aggregated by the gateway and logged here.
// Params: context, record, and executed level definition.
// Returns: none; delivery outcome never fails the level.
func (e *Engine) dispatchNotifications(ctx context.Context, record *domain.Record, level config.LevelConfig) {
	for _, notificationCfg := range level.Notification {
		recipients := notificationCfg.Recipients
		if recipients.Empty() {
			recipients = level.Recipients
		}
		delivery := e.gateway.Send(ctx, notify.Notification{
			Title:      notificationCfg.Title,
			Message:    notificationCfg.Message,
			Type:       record.AlertType,
			Priority:   notificationCfg.Priority,
			Category:   notificationCfg.Category,
			RecordID:   record.ID,
			Data:       recordData(record, level.Number),
			Recipients: recipients,
		})
		e.logger.Info("level notification dispatched",
			"record_id", record.ID,
			"level", level.Number,
			"requested", delivery.Requested,
			"suppressed", delivery.Suppressed,
			"delivered", delivery.Delivered,
			"failed", delivery.Failed,
		)
	}
}

// Acknowledge takes operator ownership of one active record.
// Params: context, record id, and acknowledging operator.
// Returns: false when the record is absent or not ACTIVE.
func (e *Engine) Acknowledge(ctx context.Context, id, who string) (bool, error) {
	for attempt := 0; attempt < ackUpdateAttempts; attempt++ {
		record, revision, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("read record %q: %w", id, err)
		}
		if record.Status != domain.StatusActive {
			return false, nil
		}

		now := e.clk.Now()
		record.Status = domain.StatusAcknowledged
		record.AcknowledgedBy = who
		record.AcknowledgedAt = &now
		record.NextEscalation = nil

		_, err = e.store.Update(ctx, id, revision, record)
		if err == nil {
			e.publisher.Publish(ctx, events.Event{
				Kind:     events.KindAcknowledged,
				RecordID: record.ID,
				RuleID:   record.RuleID,
				Level:    record.CurrentLevel,
				Actor:    who,
				At:       now,
			})
			return true, nil
		}
		if !errors.Is(err, state.ErrConflict) {
			return false, fmt.Errorf("acknowledge record %q: %w", id, err)
		}
	}
	return false, fmt.Errorf("acknowledge record %q: too many concurrent updates", id)
}

// Resolve closes one record from any non-resolved status.
// Params: context, record id, and resolving operator.
// Returns: false when the record is absent or already RESOLVED.
func (e *Engine) Resolve(ctx context.Context, id, who string) (bool, error) {
	for attempt := 0; attempt < ackUpdateAttempts; attempt++ {
		record, revision, err := e.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("read record %q: %w", id, err)
		}
		if record.Status == domain.StatusResolved {
			return false, nil
		}

		now := e.clk.Now()
		record.Status = domain.StatusResolved
		record.ResolvedBy = who
		record.ResolvedAt = &now
		record.NextEscalation = nil

		_, err = e.store.Update(ctx, id, revision, record)
		if err == nil {
			e.publisher.Publish(ctx, events.Event{
				Kind:     events.KindResolved,
				RecordID: record.ID,
				RuleID:   record.RuleID,
				Level:    record.CurrentLevel,
				Actor:    who,
				At:       now,
			})
			return true, nil
		}
		if !errors.Is(err, state.ErrConflict) {
			return false, fmt.Errorf("resolve record %q: %w", id, err)
		}
	}
	return false, fmt.Errorf("resolve record %q: too many concurrent updates", id)
}

// Escalation reads one record.
// Params: context and record id.
// Returns: record, presence flag, and backend error.
func (e *Engine) Escalation(ctx context.Context, id string) (domain.Record, bool, error) {
	record, _, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return domain.Record{}, false, nil
		}
		return domain.Record{}, false, fmt.Errorf("read record %q: %w", id, err)
	}
	return record, true, nil
}

// Escalations reads the full record set.
// Params: context.
// Returns: all records in backend order.
func (e *Engine) Escalations(ctx context.Context) ([]domain.Record, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// Rules exposes the immutable rule catalog.
// Params: none.
// Returns: catalog used at construction.
func (e *Engine) Rules() *rules.Catalog {
	return e.catalog
}

// findOpenRecord looks up a non-terminal record for one alert id.
// Params: context and original alert id.
// Returns: open record and presence flag.
func (e *Engine) findOpenRecord(ctx context.Context, alertID string) (domain.Record, bool, error) {
	records, err := e.store.List(ctx)
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("list records: %w", err)
	}
	for _, record := range records {
		if record.OriginalAlertID == alertID && !record.Status.Terminal() {
			return record, true, nil
		}
	}
	return domain.Record{}, false, nil
}

// recordData builds the freeform payload attached to level notifications.
// Params: record and executed level number.
// Returns: string map for channel payloads and templates.
func recordData(record *domain.Record, levelNumber int) map[string]string {
	data := map[string]string{
		"record_id": record.ID,
		"rule_id":   record.RuleID,
		"level":     fmt.Sprintf("%d", levelNumber),
		"severity":  string(record.Severity),
	}
	if record.Zone != "" {
		data["zone"] = record.Zone
	}
	if record.VehicleID != "" {
		data["vehicle_id"] = record.VehicleID
	}
	return data
}
