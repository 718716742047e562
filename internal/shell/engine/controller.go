// Package engine orchestrates pipeline runs: it drives stages in order,
// enforces the manual-approval gate, and persists every status transition so
// the API surface can report run state while a run is in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shiplane/shiplane/internal/core/domain"
	"github.com/shiplane/shiplane/internal/core/pipeline"
	"github.com/shiplane/shiplane/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRunNotFound is returned for approval signals aimed at a run this
	// controller is not executing.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotWaiting is returned when approving or cancelling a run
	// that is not parked at the manual gate.
	ErrRunNotWaiting = errors.New("run is not awaiting approval")
)

// =============================================================================
// Controller
// =============================================================================

// StageFactory builds the concrete stages of a run once its ID is known.
// Step closures capture the run ID for artifact reads and writes.
type StageFactory func(runID string) ([]pipeline.Stage, error)

// Controller executes pipeline runs. Stages run strictly in order; a stage
// never starts before its predecessor succeeds, and two stages of one run
// never execute concurrently.
type Controller struct {
	store    store.Store
	executor *pipeline.Executor
	logger   *slog.Logger

	mu    sync.Mutex
	gates map[string]*gate
}

// gate is the suspension point for one parked run. Both channels have
// capacity one so a signal delivered while the controller is between
// selects is not lost.
type gate struct {
	approve chan struct{}
	cancel  chan struct{}
	waiting bool
}

// NewController creates a pipeline controller.
func NewController(s store.Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    s,
		executor: pipeline.NewExecutor(logger),
		logger:   logger.With("component", "controller"),
		gates:    make(map[string]*gate),
	}
}

// Execute runs the pipeline to a terminal status. Stage and run failures
// are recorded on the returned run, not returned as an error; the error
// return is for infrastructure failures (persistence) only.
func (c *Controller) Execute(ctx context.Context, definitionName string, factory StageFactory) (*domain.PipelineRun, error) {
	run := domain.NewPipelineRun(definitionName)
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	g := c.register(run.ID)
	defer c.unregister(run.ID)

	logger := c.logger.With("run_id", run.ID, "definition", definitionName)
	logger.Info("run started")

	stages, err := factory(run.ID)
	if err != nil {
		run.TransitionToFailed("", -1, "stage assembly failed: "+err.Error())
		if uErr := c.store.UpdateRun(ctx, run); uErr != nil {
			return run, uErr
		}
		return run, nil
	}

	for _, stage := range stages {
		if stage.Manual() {
			proceed, err := c.awaitApproval(ctx, run, g, stage.Name, logger)
			if err != nil {
				return run, err
			}
			if !proceed {
				logger.Info("run cancelled at approval gate", "stage", stage.Name)
				return run, nil
			}
		}

		run.CurrentStage = stage.Name
		if err := c.store.UpdateRun(ctx, run); err != nil {
			return run, err
		}

		result := c.executor.Run(ctx, stage)
		if !result.Succeeded() {
			// Halt immediately. Later stages never execute, and
			// environments created by earlier stages are left alone:
			// cleanup only happens through an explicitly reached
			// teardown step.
			run.TransitionToFailed(stage.Name, result.FailedStep, result.Err.Error())
			if err := c.store.UpdateRun(ctx, run); err != nil {
				return run, err
			}
			logger.Error("run failed",
				"stage", stage.Name,
				"failed_step", result.FailedStep,
				"error", result.Err,
			)
			return run, nil
		}
	}

	if err := run.Transition(domain.RunSucceeded); err != nil {
		return run, err
	}
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return run, err
	}

	logger.Info("run succeeded")
	return run, nil
}

// awaitApproval parks the run until an approval or cancel signal arrives.
// This is the pipeline's only suspension point: an approval that never
// comes leaves the run parked indefinitely. Returns false when the run was
// cancelled and the gated stage must not execute.
func (c *Controller) awaitApproval(ctx context.Context, run *domain.PipelineRun, g *gate, stageName string, logger *slog.Logger) (bool, error) {
	if err := run.Transition(domain.RunAwaitingApproval); err != nil {
		return false, err
	}

	// Accept signals before the parked status becomes visible; the gate
	// channels are buffered, so an early signal is queued, not lost.
	c.setWaiting(run.ID, true)
	defer c.setWaiting(run.ID, false)

	if err := c.store.UpdateRun(ctx, run); err != nil {
		return false, err
	}

	logger.Info("awaiting manual approval", "stage", stageName)

	select {
	case <-g.approve:
		if err := run.Transition(domain.RunRunning); err != nil {
			return false, err
		}
		if err := c.store.UpdateRun(ctx, run); err != nil {
			return false, err
		}
		logger.Info("approval received", "stage", stageName)
		return true, nil

	case <-g.cancel:
		if err := run.Transition(domain.RunCancelled); err != nil {
			return false, err
		}
		return false, c.store.UpdateRun(ctx, run)

	case <-ctx.Done():
		if err := run.Transition(domain.RunCancelled); err != nil {
			return false, err
		}
		return false, c.store.UpdateRun(context.WithoutCancel(ctx), run)
	}
}

// =============================================================================
// Approval API
// =============================================================================

// Approve delivers the approval signal for a parked run.
func (c *Controller) Approve(runID string) error {
	return c.signal(runID, func(g *gate) chan struct{} { return g.approve })
}

// Cancel delivers the cancel signal for a parked run. The gated stage never
// executes; the run transitions to cancelled.
func (c *Controller) Cancel(runID string) error {
	return c.signal(runID, func(g *gate) chan struct{} { return g.cancel })
}

func (c *Controller) signal(runID string, ch func(*gate) chan struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.gates[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if !g.waiting {
		return fmt.Errorf("%w: %s", ErrRunNotWaiting, runID)
	}

	select {
	case ch(g) <- struct{}{}:
		return nil
	default:
		// A signal is already queued for this gate.
		return fmt.Errorf("%w: %s", ErrRunNotWaiting, runID)
	}
}

// =============================================================================
// Gate Bookkeeping
// =============================================================================

func (c *Controller) register(runID string) *gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := &gate{
		approve: make(chan struct{}, 1),
		cancel:  make(chan struct{}, 1),
	}
	c.gates[runID] = g
	return g
}

func (c *Controller) unregister(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gates, runID)
}

func (c *Controller) setWaiting(runID string, waiting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gates[runID]; ok {
		g.waiting = waiting
	}
}
