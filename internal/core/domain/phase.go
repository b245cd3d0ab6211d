package domain

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Phase Errors
// =============================================================================

var ErrInvalidPhaseTransition = errors.New("invalid phase transition")

// =============================================================================
// Deployment Phases
// =============================================================================

// Phase is the fine-grained progression of a single deployment run. Phases
// drive orchestration; the coarser DeploymentStatus is what gets summarized
// externally. The two are related but deliberately distinct.
type Phase string

const (
	PhasePending        Phase = "PENDING"
	PhaseBuilding       Phase = "BUILDING"
	PhaseCopyingFiles   Phase = "COPYING_FILES"
	PhaseUpdatingRoutes Phase = "UPDATING_ROUTES"
	PhaseHealthCheck    Phase = "HEALTH_CHECK"
	PhaseActive         Phase = "ACTIVE"
	PhaseFailed         Phase = "FAILED"
)

// Terminal reports whether no further phase transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseActive || p == PhaseFailed
}

// phaseProgress maps each phase to its canonical progress percentage.
// FAILED resets to 0: a failed run reports no forward progress.
var phaseProgress = map[Phase]int{
	PhasePending:        0,
	PhaseBuilding:       20,
	PhaseCopyingFiles:   50,
	PhaseUpdatingRoutes: 75,
	PhaseHealthCheck:    90,
	PhaseActive:         100,
	PhaseFailed:         0,
}

// PhaseProgress returns the canonical progress percentage for a phase.
// Unknown phases report 0.
func PhaseProgress(p Phase) int {
	return phaseProgress[p]
}

// validPhaseTransitions defines the allowed phase order. Every non-terminal
// phase may fail; forward movement never skips a phase and never goes back.
var validPhaseTransitions = map[Phase][]Phase{
	PhasePending:        {PhaseBuilding, PhaseFailed},
	PhaseBuilding:       {PhaseCopyingFiles, PhaseFailed},
	PhaseCopyingFiles:   {PhaseUpdatingRoutes, PhaseFailed},
	PhaseUpdatingRoutes: {PhaseHealthCheck, PhaseFailed},
	PhaseHealthCheck:    {PhaseActive, PhaseFailed},
	PhaseActive:         {}, // Terminal
	PhaseFailed:         {}, // Terminal
}

// ValidatePhaseTransition checks whether moving from one phase to another is
// allowed by the state machine.
func ValidatePhaseTransition(from, to Phase) error {
	allowed, exists := validPhaseTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidPhaseTransition, string(from))
	}

	for _, p := range allowed {
		if p == to {
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidPhaseTransition, string(from), string(to))
}

// =============================================================================
// Phase Updates
// =============================================================================

// PhaseUpdate is a single emitted progression event. Updates carry the
// canonical progress for their phase plus phase-specific metadata (image tag
// once known, container id once started, health URL once computed). Error is
// set only on FAILED updates.
type PhaseUpdate struct {
	Phase     Phase          `json:"phase"`
	Progress  int            `json:"progress"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewPhaseUpdate builds an update for a phase with its canonical progress.
func NewPhaseUpdate(phase Phase, message string) PhaseUpdate {
	return PhaseUpdate{
		Phase:     phase,
		Progress:  PhaseProgress(phase),
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithMetadata returns a copy of the update with one metadata entry added.
func (u PhaseUpdate) WithMetadata(key string, value any) PhaseUpdate {
	md := make(map[string]any, len(u.Metadata)+1)
	for k, v := range u.Metadata {
		md[k] = v
	}
	md[key] = value
	u.Metadata = md
	return u
}

// NewFailedUpdate builds the terminal FAILED update carrying an error message.
func NewFailedUpdate(errorMessage string) PhaseUpdate {
	return PhaseUpdate{
		Phase:     PhaseFailed,
		Progress:  PhaseProgress(PhaseFailed),
		Message:   "Deployment failed",
		Error:     errorMessage,
		Timestamp: time.Now().UTC(),
	}
}
