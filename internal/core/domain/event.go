package domain

import "time"

// =============================================================================
// Event Kinds
// =============================================================================

// EventKind distinguishes the two record types in a deployment's history.
type EventKind string

const (
	EventPhase EventKind = "phase"
	EventLog   EventKind = "log"
)

// =============================================================================
// Deployment Events
// =============================================================================

// DeploymentEvent is one entry in a deployment's append-only history: a
// phase transition or a build/runtime log line. Sequence is assigned by the
// store on insert and orders events within a deployment.
type DeploymentEvent struct {
	Sequence     int64          `json:"sequence"`
	DeploymentID string         `json:"deployment_id"`
	Kind         EventKind      `json:"kind"`
	Phase        Phase          `json:"phase,omitempty"`
	Progress     int            `json:"progress,omitempty"`
	Level        string         `json:"level,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// PhaseEvent converts a phase update into its history entry.
func PhaseEvent(deploymentID string, update PhaseUpdate) DeploymentEvent {
	ts := update.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return DeploymentEvent{
		DeploymentID: deploymentID,
		Kind:         EventPhase,
		Phase:        update.Phase,
		Progress:     update.Progress,
		Message:      update.Message,
		Error:        update.Error,
		Metadata:     update.Metadata,
		Timestamp:    ts,
	}
}

// LogEvent builds the history entry for one log line. A zero timestamp is
// replaced with the current time.
func LogEvent(deploymentID, level, message string, at time.Time) DeploymentEvent {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return DeploymentEvent{
		DeploymentID: deploymentID,
		Kind:         EventLog,
		Level:        level,
		Message:      message,
		Timestamp:    at,
	}
}
