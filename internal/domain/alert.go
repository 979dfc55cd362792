package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AlertType classifies inbound fleet alerts.
// Params: constants for the five supported alert classes.
// Returns: normalized type used by rule matching and notification filtering.
type AlertType string

const (
	// AlertTypeEmergency marks life/safety incidents.
	AlertTypeEmergency AlertType = "EMERGENCY"
	// AlertTypeAlert marks actionable operational alerts.
	AlertTypeAlert AlertType = "ALERT"
	// AlertTypeWarning marks degraded-but-running conditions.
	AlertTypeWarning AlertType = "WARNING"
	// AlertTypeInfo marks informational events.
	AlertTypeInfo AlertType = "INFO"
	// AlertTypeCritical marks critical equipment or telemetry failures.
	AlertTypeCritical AlertType = "CRITICAL"
)

// Severity grades alert impact.
// Params: constants LOW..CRITICAL.
// Returns: severity used by rule condition filters.
type Severity string

const (
	// SeverityLow marks minimal-impact alerts.
	SeverityLow Severity = "LOW"
	// SeverityMedium marks moderate-impact alerts.
	SeverityMedium Severity = "MEDIUM"
	// SeverityHigh marks high-impact alerts.
	SeverityHigh Severity = "HIGH"
	// SeverityCritical marks maximum-impact alerts.
	SeverityCritical Severity = "CRITICAL"
)

// AlertTypeNames returns supported alert types in declaration order.
// Params: none.
// Returns: type list for validation error messages.
func AlertTypeNames() []string {
	return []string{
		string(AlertTypeEmergency),
		string(AlertTypeAlert),
		string(AlertTypeWarning),
		string(AlertTypeInfo),
		string(AlertTypeCritical),
	}
}

// SeverityNames returns supported severities in declaration order.
// Params: none.
// Returns: severity list for validation error messages.
func SeverityNames() []string {
	return []string{
		string(SeverityLow),
		string(SeverityMedium),
		string(SeverityHigh),
		string(SeverityCritical),
	}
}

// Alert is one normalized inbound fleet alert.
// Params: identity, classification, free-text context, and optional scope fields.
// Returns: validated alert payload for escalation processing.
type Alert struct {
	ID          string    `json:"id"`
	Type        AlertType `json:"type"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Zone        string    `json:"zone,omitempty"`
	VehicleID   string    `json:"vehicleId,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// DecodeAlert decodes and validates one alert payload.
// Params: JSON document bytes.
// Returns: validated alert or decode/validation error.
func DecodeAlert(raw []byte) (Alert, error) {
	var alert Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if err := alert.Validate(); err != nil {
		return Alert{}, err
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	return alert, nil
}

// Validate validates one alert against the ingestion contract.
// Params: alert fields parsed from transport.
// Returns: validation error listing allowed values on enum violations.
func (a Alert) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(a.Title) == "" {
		return errors.New("title is required")
	}
	if strings.TrimSpace(a.Description) == "" {
		return errors.New("description is required")
	}
	if !IsSupportedAlertType(a.Type) {
		return fmt.Errorf("unsupported type %q, valid values: %s", a.Type, strings.Join(AlertTypeNames(), ", "))
	}
	if !IsSupportedSeverity(a.Severity) {
		return fmt.Errorf("unsupported severity %q, valid values: %s", a.Severity, strings.Join(SeverityNames(), ", "))
	}
	return nil
}

// IsSupportedAlertType reports whether value is a known alert type.
// Params: candidate type value.
// Returns: true for supported types.
func IsSupportedAlertType(value AlertType) bool {
	switch value {
	case AlertTypeEmergency, AlertTypeAlert, AlertTypeWarning, AlertTypeInfo, AlertTypeCritical:
		return true
	default:
		return false
	}
}

// IsSupportedSeverity reports whether value is a known severity.
// Params: candidate severity value.
// Returns: true for supported severities.
func IsSupportedSeverity(value Severity) bool {
	switch value {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}
