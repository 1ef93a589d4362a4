package domain

import "time"

// Severity grades a drift score. Values are ordered; SeverityRank relies on it.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// SeverityRank maps a severity to its position in the escalation order.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	default:
		return 0
	}
}

// DriftScore is the derived result of scoring one window against a reference.
// Scores are replaced each tick, never mutated.
type DriftScore struct {
	ID                 int64
	ChiSquaredScore    float64
	ConfidenceScore    float64
	Composite          float64
	Severity           Severity
	Samples            int
	InsufficientData   bool
	ObservedMeanConf   float64
	ObservedFrequency  map[string]int64
	ComputedAt         time.Time
}

// Alert states for a monitored deployment.
const (
	AlertStateStable              = "stable"
	AlertStateMinorAlerted        = "minor_alerted"
	AlertStateModerateAlerted     = "moderate_alerted"
	AlertStateRetrainingTriggered = "retraining_triggered"
)

// Alert event kinds emitted to the notification collaborator.
const (
	AlertKindDrift          = "drift_alert"
	AlertKindRetraining     = "retraining_trigger"
	AlertKindRecovered      = "drift_recovered"
	AlertKindRollbackFailed = "rollback_failed"
)

// AlertEvent is an outbound notification about drift or deployment state.
type AlertEvent struct {
	Kind       string
	State      string
	Severity   Severity
	Score      float64
	Message    string
	OccurredAt time.Time
}
