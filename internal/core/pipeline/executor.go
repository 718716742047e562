package pipeline

import (
	"context"
	"log/slog"
)

// =============================================================================
// Executor
// =============================================================================

// Executor runs one stage's steps strictly in declared order with fail-fast
// semantics: the first failing step aborts the rest of the stage. Side
// effects of already-executed steps are not rolled back; cleanup must be an
// explicit step. No retries at this layer.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates a stage executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger.With("component", "executor")}
}

// Run executes the stage and returns its terminal result. The returned
// result's Err is a *StepError identifying the failing step, if any.
func (e *Executor) Run(ctx context.Context, stage Stage) StageResult {
	if len(stage.Steps) == 0 {
		return StageResult{Status: StageFailed, FailedStep: -1, Err: ErrNoSteps}
	}

	logger := e.logger.With("stage", stage.Name)
	logger.Info("stage started", "steps", len(stage.Steps))

	for i, step := range stage.Steps {
		logger.Info("step started", "step", step.Name, "index", i)

		if err := step.Run(ctx); err != nil {
			stepErr := &StepError{Stage: stage.Name, Index: i, Name: step.Name, Err: err}
			logger.Error("step failed", "step", step.Name, "index", i, "error", err)
			return StageResult{Status: StageFailed, FailedStep: i, Err: stepErr}
		}

		logger.Info("step succeeded", "step", step.Name, "index", i)
	}

	logger.Info("stage succeeded")
	return StageResult{Status: StageSucceeded, FailedStep: -1}
}
