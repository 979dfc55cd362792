package domain

import "time"

// Status is runtime escalation record lifecycle state.
// Params: active/acknowledged/resolved/escalated/failed state constants.
// Returns: state transitions driven by the engine and command surface.
type Status string

const (
	// StatusActive indicates record is progressing through its level ladder.
	StatusActive Status = "ACTIVE"
	// StatusAcknowledged indicates an operator took ownership; automatic advances stop.
	StatusAcknowledged Status = "ACKNOWLEDGED"
	// StatusResolved indicates the incident is closed.
	StatusResolved Status = "RESOLVED"
	// StatusEscalated indicates the level ladder was exhausted without resolution.
	StatusEscalated Status = "ESCALATED"
	// StatusFailed indicates a level execution failed after exhausting its retries.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether status blocks further automatic escalation.
// Params: none.
// Returns: true for acknowledged/resolved/escalated/failed records.
func (s Status) Terminal() bool {
	switch s {
	case StatusAcknowledged, StatusResolved, StatusEscalated, StatusFailed:
		return true
	default:
		return false
	}
}

// EventStatus tracks one level-execution attempt outcome.
// Params: pending/executed/failed constants.
// Returns: per-event status recorded in history.
type EventStatus string

const (
	// EventPending marks an execution attempt in flight.
	EventPending EventStatus = "PENDING"
	// EventExecuted marks a fully executed level.
	EventExecuted EventStatus = "EXECUTED"
	// EventFailed marks a level whose action pipeline failed.
	EventFailed EventStatus = "FAILED"
)

// EscalationEvent is one immutable history entry per level execution attempt.
// Params: identity, level number, outcome, and failure context.
// Returns: append-only history element; never edited after append.
type EscalationEvent struct {
	ID            string         `json:"id"`
	Level         int            `json:"level"`
	Action        string         `json:"action"`
	Status        EventStatus    `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ExecutedAt    *time.Time     `json:"executed_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Record is the live tracking object for one escalated alert.
// Params: identity, rule snapshot fields, status, schedule, and history.
// Returns: the mutable core entity persisted by the state backend.
type Record struct {
	ID              string            `json:"id"`
	OriginalAlertID string            `json:"original_alert_id"`
	RuleID          string            `json:"rule_id"`
	CurrentLevel    int               `json:"current_level"`
	MaxLevel        int               `json:"max_level"`
	Status          Status            `json:"status"`
	History         []EscalationEvent `json:"history"`
	AlertType       AlertType         `json:"alert_type"`
	Severity        Severity          `json:"severity"`
	Zone            string            `json:"zone,omitempty"`
	VehicleID       string            `json:"vehicle_id,omitempty"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	CreatedAt       time.Time         `json:"created_at"`
	LastEscalated   *time.Time        `json:"last_escalated,omitempty"`
	AcknowledgedBy  string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedBy      string            `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	NextEscalation  *time.Time        `json:"next_escalation,omitempty"`
	AutoEscalate    bool              `json:"auto_escalate"`
}

// Due reports whether automatic escalation is due at the given time.
// Params: current processing time.
// Returns: true for active records with an elapsed next-escalation mark.
func (r Record) Due(now time.Time) bool {
	if r.Status != StatusActive || r.NextEscalation == nil {
		return false
	}
	return !r.NextEscalation.After(now)
}
