// Package pipeline defines the stage/step model and the fail-fast stage
// executor. Stages are defined statically, instantiated once per run, and
// terminal on completion or first step failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrInvalidStageTransition = errors.New("invalid stage status transition")
	ErrNoSteps                = errors.New("stage has no steps")
)

// StepError wraps the failure of a single step with its position in the
// stage. The controller surfaces it unmasked: the run reports which stage
// and which step failed plus the captured cause.
type StepError struct {
	Stage string
	Index int
	Name  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("stage %s: step %d (%s) failed: %v", e.Stage, e.Index, e.Name, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Trigger Mode
// =============================================================================

type TriggerMode string

const (
	// TriggerAutomatic stages start as soon as the predecessor succeeds.
	TriggerAutomatic TriggerMode = "automatic"

	// TriggerManual stages park the run in awaiting_approval until an
	// explicit approval signal arrives.
	TriggerManual TriggerMode = "manual"
)

// =============================================================================
// Stage Status
// =============================================================================

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
)

// validStageTransitions defines the per-stage state machine.
var validStageTransitions = map[StageStatus][]StageStatus{
	StagePending:   {StageRunning},
	StageRunning:   {StageSucceeded, StageFailed},
	StageSucceeded: {},
	StageFailed:    {},
}

// ValidateStageTransition checks if a stage status transition is valid.
func ValidateStageTransition(from, to StageStatus) error {
	allowed, exists := validStageTransitions[from]
	if !exists {
		return ErrInvalidStageTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidStageTransition
}

// =============================================================================
// Step and Stage
// =============================================================================

// Step is a single external-capability invocation, owned exclusively by its
// stage. Run does the work; a non-nil error fails the stage.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Stage is a named, ordered phase of the pipeline.
type Stage struct {
	Name    string
	Trigger TriggerMode
	Steps   []Step

	// Outputs lists the artifact names this stage is declared to produce.
	// They become visible to every subsequent stage of the same run.
	Outputs []string
}

// Manual reports whether the stage requires an explicit approval to start.
func (s Stage) Manual() bool {
	return s.Trigger == TriggerManual
}

// =============================================================================
// Stage Result
// =============================================================================

// StageResult is the terminal outcome of one stage execution. FailedStep is
// the zero-based index of the failing step, or -1 on success.
type StageResult struct {
	Status     StageStatus
	FailedStep int
	Err        error
}

// Succeeded reports whether the stage completed all steps.
func (r StageResult) Succeeded() bool {
	return r.Status == StageSucceeded
}
