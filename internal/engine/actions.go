package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"escalation/internal/config"
	"escalation/internal/domain"
	"escalation/internal/notify"
)

// System action verbs recognized by the dispatch table. Unknown verbs are
// logged as warnings, never errors.
const (
	systemActionMaintenance = "mark vehicle for maintenance"
	systemActionEmergency   = "activate emergency protocol"
	systemActionAuthorities = "notify authorities"
)

// runActions executes one level's actions sequentially, honoring each
// action's delay, hard timeout, and declared retry policy.
// Params: context, record, and level definition.
// Returns: first action error after its retry budget is spent.
func (e *Engine) runActions(ctx context.Context, record *domain.Record, level config.LevelConfig) error {
	for index, action := range level.Action {
		if err := e.runAction(ctx, record, level, action); err != nil {
			return fmt.Errorf("action %d (%s): %w", index+1, action.Type, err)
		}
	}
	return nil
}

// runAction executes one action with bounded retry. The delay waits once
// before the first attempt; retry intervals separate subsequent attempts.
// Params: context, record, owning level, and action definition.
// Returns: last attempt error when the budget is exhausted.
func (e *Engine) runAction(ctx context.Context, record *domain.Record, level config.LevelConfig, action config.ActionConfig) error {
	if action.DelaySec > 0 {
		if err := waitFor(ctx, time.Duration(action.DelaySec)*time.Second); err != nil {
			return err
		}
	}

	attempts := 1
	if action.Retry.Enabled && action.Retry.MaxAttempts > 1 {
		attempts = action.Retry.MaxAttempts
	}
	interval := time.Duration(action.Retry.IntervalSec) * time.Second

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && interval > 0 {
			if err := waitFor(ctx, interval); err != nil {
				return err
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
		lastErr = e.executeAction(attemptCtx, record, level, action)
		cancel()
		if lastErr == nil {
			if attempt > 1 {
				e.logger.Info("action recovered after retries",
					"record_id", record.ID,
					"action_type", action.Type,
					"attempt", attempt,
				)
			}
			return nil
		}
		e.logger.Warn("action attempt failed",
			"record_id", record.ID,
			"action_type", action.Type,
			"attempt", attempt,
			"error", lastErr.Error(),
		)
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// executeAction dispatches one action by type.
// Params: attempt-scoped context, record, level, and action definition.
// Returns: execution error for retryable channel dispatch.
func (e *Engine) executeAction(ctx context.Context, record *domain.Record, level config.LevelConfig, action config.ActionConfig) error {
	switch action.Type {
	case config.ActionLog:
		e.logger.Info("escalation log action",
			"record_id", record.ID,
			"level", level.Number,
			"message", action.Message,
			"severity", string(record.Severity),
		)
		return nil
	case config.ActionNotification:
		// Fire-and-forget broadcast; delivery outcome never fails the level.
		delivery := e.gateway.Send(ctx, notify.Notification{
			Title:      record.Title,
			Message:    action.Message,
			Type:       record.AlertType,
			Priority:   config.PriorityHigh,
			RecordID:   record.ID,
			Data:       recordData(record, level.Number),
			Recipients: level.Recipients,
		})
		if delivery.Failed > 0 {
			e.logger.Warn("notification action had failed deliveries",
				"record_id", record.ID,
				"level", level.Number,
				"failed", delivery.Failed,
			)
		}
		return nil
	case config.ActionEmail, config.ActionSMS, config.ActionCall:
		return e.executeDirectChannel(ctx, record, level, action)
	case config.ActionSystem:
		e.executeSystemAction(record, action)
		return nil
	default:
		return fmt.Errorf("unsupported action type %q", action.Type)
	}
}

// executeDirectChannel sends one targeted action (email/sms/call) to its
// configured recipients through the gateway. Unlike NOTIFICATION, a
// fan-out where every delivery fails fails the action so the retry
// policy applies.
// Params: attempt-scoped context, record, level, and action definition.
// Returns: error when nothing was delivered to a non-empty recipient set.
func (e *Engine) executeDirectChannel(ctx context.Context, record *domain.Record, level config.LevelConfig, action config.ActionConfig) error {
	delivery := e.gateway.Send(ctx, notify.Notification{
		Title:    record.Title,
		Message:  action.Message,
		Type:     record.AlertType,
		Priority: config.PriorityUrgent,
		RecordID: record.ID,
		Data: mergeData(recordData(record, level.Number), map[string]string{
			"channel_hint": strings.ToLower(action.Type),
		}),
		Recipients: config.RecipientFilter{UserIDs: action.Recipients},
	})
	if delivery.Requested > 0 && delivery.Delivered == 0 && delivery.Failed > 0 {
		return fmt.Errorf("%s dispatch failed for all %d recipients", strings.ToLower(action.Type), delivery.Failed)
	}
	return nil
}

// executeSystemAction dispatches one platform-side verb.
// Params: record and action carrying the system verb.
// Returns: none; unknown verbs are warnings.
func (e *Engine) executeSystemAction(record *domain.Record, action config.ActionConfig) {
	verb := strings.ToLower(strings.TrimSpace(action.SystemAction))
	switch verb {
	case systemActionMaintenance:
		e.logger.Info("vehicle flagged for maintenance",
			"record_id", record.ID,
			"vehicle_id", record.VehicleID,
		)
	case systemActionEmergency:
		e.logger.Info("emergency protocol activated",
			"record_id", record.ID,
			"zone", record.Zone,
		)
	case systemActionAuthorities:
		e.logger.Info("authorities notified",
			"record_id", record.ID,
			"zone", record.Zone,
			"severity", string(record.Severity),
		)
	default:
		e.logger.Warn("unknown system action",
			"record_id", record.ID,
			"system_action", action.SystemAction,
		)
	}
}

// waitFor blocks for one duration or until the context ends.
// Params: context and wait duration.
// Returns: context error when cancelled mid-wait.
func waitFor(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// mergeData merges two string maps, second wins on conflict.
// Params: base and overlay maps.
// Returns: merged copy.
func mergeData(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overlay {
		merged[key] = value
	}
	return merged
}
