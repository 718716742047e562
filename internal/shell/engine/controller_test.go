package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiplane/shiplane/internal/core/domain"
	"github.com/shiplane/shiplane/internal/core/pipeline"
	"github.com/shiplane/shiplane/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupController(t *testing.T) (store.Store, *Controller) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, NewController(s, nil)
}

func autoStage(name string, calls *[]string, err error) pipeline.Stage {
	return pipeline.Stage{
		Name:    name,
		Trigger: pipeline.TriggerAutomatic,
		Steps: []pipeline.Step{{
			Name: "work",
			Run: func(ctx context.Context) error {
				*calls = append(*calls, name)
				return err
			},
		}},
	}
}

func staticFactory(stages []pipeline.Stage) StageFactory {
	return func(runID string) ([]pipeline.Stage, error) {
		return stages, nil
	}
}

// waitForStatus polls the store until the run reaches the wanted status.
func waitForStatus(t *testing.T, s store.Store, runID chan string, want domain.RunStatus) string {
	t.Helper()
	id := <-runID
	require.Eventually(t, func() bool {
		run, err := s.GetRun(context.Background(), id)
		return err == nil && run.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return id
}

// observedFactory forwards to a StageFactory and reports the run ID.
func observedFactory(factory StageFactory, runID chan string) StageFactory {
	return func(id string) ([]pipeline.Stage, error) {
		runID <- id
		return factory(id)
	}
}

// =============================================================================
// Sequential Execution Tests
// =============================================================================

func TestExecute_AllStagesSucceed(t *testing.T) {
	_, c := setupController(t)

	var calls []string
	run, err := c.Execute(context.Background(), "p", staticFactory([]pipeline.Stage{
		autoStage("a", &calls, nil),
		autoStage("b", &calls, nil),
		autoStage("c", &calls, nil),
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, []string{"a", "b", "c"}, calls)
	require.NotNil(t, run.FinishedAt)
}

func TestExecute_FailureHaltsRun(t *testing.T) {
	s, c := setupController(t)

	var calls []string
	run, err := c.Execute(context.Background(), "p", staticFactory([]pipeline.Stage{
		autoStage("a", &calls, nil),
		autoStage("b", &calls, errors.New("b broke")),
		autoStage("c", &calls, nil),
	}))
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "b", run.FailedStage)
	assert.Equal(t, 0, run.FailedStep)
	assert.Contains(t, run.ErrorMessage, "b broke")
	// No stage after the failed one ever starts.
	assert.Equal(t, []string{"a", "b"}, calls)

	// Failure detail is persisted for the API surface.
	stored, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, stored.Status)
	assert.Equal(t, "b", stored.FailedStage)
}

func TestExecute_FactoryError(t *testing.T) {
	_, c := setupController(t)

	run, err := c.Execute(context.Background(), "p", func(runID string) ([]pipeline.Stage, error) {
		return nil, errors.New("unknown step \"frobnicate\"")
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "frobnicate")
}

// =============================================================================
// Approval Gate Tests
// =============================================================================

func TestExecute_ManualGateApproval(t *testing.T) {
	s, c := setupController(t)

	var calls []string
	stages := []pipeline.Stage{
		autoStage("build", &calls, nil),
		{
			Name:    "deploy",
			Trigger: pipeline.TriggerManual,
			Steps: []pipeline.Step{{
				Name: "work",
				Run: func(ctx context.Context) error {
					calls = append(calls, "deploy")
					return nil
				},
			}},
		},
	}

	runID := make(chan string, 1)
	done := make(chan *domain.PipelineRun, 1)
	go func() {
		run, err := c.Execute(context.Background(), "p", observedFactory(staticFactory(stages), runID))
		require.NoError(t, err)
		done <- run
	}()

	// The run parks at the gate and stays there until approved.
	id := waitForStatus(t, s, runID, domain.RunAwaitingApproval)
	assert.Equal(t, []string{"build"}, calls)

	require.NoError(t, c.Approve(id))

	run := <-done
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, []string{"build", "deploy"}, calls)
}

func TestExecute_ManualGateCancel(t *testing.T) {
	s, c := setupController(t)

	var calls []string
	stages := []pipeline.Stage{
		autoStage("build", &calls, nil),
		{
			Name:    "deploy",
			Trigger: pipeline.TriggerManual,
			Steps: []pipeline.Step{{
				Name: "work",
				Run: func(ctx context.Context) error {
					calls = append(calls, "deploy")
					return nil
				},
			}},
		},
	}

	runID := make(chan string, 1)
	done := make(chan *domain.PipelineRun, 1)
	go func() {
		run, err := c.Execute(context.Background(), "p", observedFactory(staticFactory(stages), runID))
		require.NoError(t, err)
		done <- run
	}()

	id := waitForStatus(t, s, runID, domain.RunAwaitingApproval)
	require.NoError(t, c.Cancel(id))

	run := <-done
	assert.Equal(t, domain.RunCancelled, run.Status)
	// The gated stage has no side effects.
	assert.Equal(t, []string{"build"}, calls)
}

func TestExecute_ContextCancelAtGate(t *testing.T) {
	s, c := setupController(t)

	stages := []pipeline.Stage{{
		Name:    "deploy",
		Trigger: pipeline.TriggerManual,
		Steps:   []pipeline.Step{{Name: "work", Run: func(ctx context.Context) error { return nil }}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	runID := make(chan string, 1)
	done := make(chan *domain.PipelineRun, 1)
	go func() {
		run, err := c.Execute(ctx, "p", observedFactory(staticFactory(stages), runID))
		require.NoError(t, err)
		done <- run
	}()

	waitForStatus(t, s, runID, domain.RunAwaitingApproval)
	cancel()

	run := <-done
	assert.Equal(t, domain.RunCancelled, run.Status)
}

// =============================================================================
// Approval Signal Tests
// =============================================================================

func TestApprove_UnknownRun(t *testing.T) {
	_, c := setupController(t)
	assert.ErrorIs(t, c.Approve("no-such-run"), ErrRunNotFound)
	assert.ErrorIs(t, c.Cancel("no-such-run"), ErrRunNotFound)
}

func TestApprove_RunNotParked(t *testing.T) {
	_, c := setupController(t)

	// A slow automatic stage keeps the run registered but not waiting.
	release := make(chan struct{})
	stages := []pipeline.Stage{{
		Name:    "slow",
		Trigger: pipeline.TriggerAutomatic,
		Steps: []pipeline.Step{{
			Name: "work",
			Run: func(ctx context.Context) error {
				<-release
				return nil
			},
		}},
	}}

	runID := make(chan string, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Execute(context.Background(), "p", observedFactory(staticFactory(stages), runID))
		require.NoError(t, err)
	}()

	id := <-runID
	require.Eventually(t, func() bool {
		return errors.Is(c.Approve(id), ErrRunNotWaiting)
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	<-done
}
