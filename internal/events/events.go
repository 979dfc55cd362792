package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"escalation/internal/config"

	"github.com/nats-io/nats.go"
)

// Kind classifies one escalation lifecycle event.
// Params: machine-readable event name.
// Returns: event classification.
type Kind string

const (
	// KindEscalated marks a new escalation record.
	KindEscalated Kind = "escalated"
	// KindLevelExecuted marks a completed escalation level.
	KindLevelExecuted Kind = "level_executed"
	// KindLevelFailed marks a level whose actions exhausted retries.
	KindLevelFailed Kind = "level_failed"
	// KindCompleted marks a record that ran past its final level.
	KindCompleted Kind = "escalation_completed"
	// KindAcknowledged marks operator acknowledgement.
	KindAcknowledged Kind = "acknowledged"
	// KindResolved marks operator resolution.
	KindResolved Kind = "resolved"
)

// Event is one escalation lifecycle notification for downstream consumers.
// Params: event kind plus record coordinates.
// Returns: published event payload.
type Event struct {
	Kind     Kind      `json:"kind"`
	RecordID string    `json:"record_id"`
	RuleID   string    `json:"rule_id"`
	Level    int       `json:"level,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher emits escalation lifecycle events.
// Params: context and event payload.
// Returns: publish lifecycle with close hook.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

// LogPublisher writes events to the structured log. Used in single and
// redis modes where no broker is configured.
// Params: logger sink.
// Returns: log-backed publisher.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates log-backed event publisher.
// Params: logger.
// Returns: initialized publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish writes one event as a structured log line.
// Params: context and event payload.
// Returns: none.
func (p *LogPublisher) Publish(_ context.Context, event Event) {
	p.logger.Info("escalation event",
		"kind", string(event.Kind),
		"record_id", event.RecordID,
		"rule_id", event.RuleID,
		"level", event.Level,
	)
}

// Close is a no-op for the log publisher.
// Params: none.
// Returns: nil.
func (p *LogPublisher) Close() error {
	return nil
}

// NATSPublisher publishes events to per-kind NATS subjects.
// Params: connection and subject prefix.
// Returns: broker-backed publisher.
type NATSPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
	logger        *slog.Logger
}

// NewNATSPublisher connects to NATS for event publishing.
// Params: derived event settings and logger.
// Returns: initialized publisher or connection error.
func NewNATSPublisher(cfg config.NATSEventsConfig, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect events nats: %w", err)
	}
	return &NATSPublisher{
		nc:            nc,
		subjectPrefix: cfg.SubjectPrefix,
		logger:        logger,
	}, nil
}

// Publish sends one event to "<prefix>.<kind>". Publish failures are
// logged, never propagated to the caller.
// Params: context and event payload.
// Returns: none.
func (p *NATSPublisher) Publish(_ context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("encode escalation event", "kind", string(event.Kind), "error", err.Error())
		return
	}
	subject := p.subjectPrefix + "." + string(event.Kind)
	if err := p.nc.Publish(subject, body); err != nil {
		p.logger.Error("publish escalation event",
			"subject", subject,
			"record_id", event.RecordID,
			"error", err.Error(),
		)
	}
}

// Close flushes and closes the NATS connection.
// Params: none.
// Returns: flush error.
func (p *NATSPublisher) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	return err
}
