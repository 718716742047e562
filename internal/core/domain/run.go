package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run Errors
// =============================================================================

var (
	ErrInvalidRunTransition = errors.New("invalid run status transition")
	ErrRunTerminal          = errors.New("run already reached a terminal status")
)

// =============================================================================
// Run Status
// =============================================================================

type RunStatus string

const (
	RunRunning          RunStatus = "running"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunSucceeded        RunStatus = "succeeded"
	RunFailed           RunStatus = "failed"
	RunCancelled        RunStatus = "cancelled"
)

// =============================================================================
// PipelineRun
// =============================================================================

// PipelineRun is the aggregate root for one pipeline execution: the ordered
// stage executions, their artifacts, and the overall status.
type PipelineRun struct {
	ID             string     `json:"id"`
	DefinitionName string     `json:"definition_name"`
	Status         RunStatus  `json:"status"`
	CurrentStage   string     `json:"current_stage,omitempty"`
	FailedStage    string     `json:"failed_stage,omitempty"`
	FailedStep     int        `json:"failed_step"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// NewPipelineRun creates a run in the running status.
func NewPipelineRun(definitionName string) *PipelineRun {
	now := time.Now().UTC()
	return &PipelineRun{
		ID:             uuid.New().String(),
		DefinitionName: definitionName,
		Status:         RunRunning,
		FailedStep:     -1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Terminal reports whether the run has reached a terminal status.
func (r *PipelineRun) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Transition attempts to move the run to a new status.
func (r *PipelineRun) Transition(to RunStatus) error {
	if err := ValidateRunTransition(r.Status, to); err != nil {
		return err
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	if r.Terminal() {
		now := time.Now().UTC()
		r.FinishedAt = &now
	}
	return nil
}

// TransitionToFailed marks the run failed, recording which stage and step
// broke it. step is -1 when the failure was not tied to a single step.
func (r *PipelineRun) TransitionToFailed(stage string, step int, errorMessage string) error {
	if r.Terminal() {
		return ErrRunTerminal
	}
	r.Status = RunFailed
	r.FailedStage = stage
	r.FailedStep = step
	r.ErrorMessage = errorMessage
	r.UpdatedAt = time.Now().UTC()
	now := time.Now().UTC()
	r.FinishedAt = &now
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

// validRunTransitions defines the allowed run status transitions. The only
// suspension point is the manual-approval gate: awaiting_approval resumes to
// running on approval or exits to cancelled on an explicit cancel.
var validRunTransitions = map[RunStatus][]RunStatus{
	RunRunning:          {RunAwaitingApproval, RunSucceeded, RunFailed, RunCancelled},
	RunAwaitingApproval: {RunRunning, RunCancelled},
	RunSucceeded:        {},
	RunFailed:           {},
	RunCancelled:        {},
}

// ValidateRunTransition checks if a run status transition is valid.
func ValidateRunTransition(from, to RunStatus) error {
	allowed, exists := validRunTransitions[from]
	if !exists {
		return ErrInvalidRunTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidRunTransition
}
