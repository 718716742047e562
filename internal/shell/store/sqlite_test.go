package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiplane/shiplane/internal/core/domain"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func createTestRun(t *testing.T, store Store) *domain.PipelineRun {
	t.Helper()
	run := domain.NewPipelineRun("package-release")
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}

func createTestEnvironment(t *testing.T, store Store, run *domain.PipelineRun, ttl time.Duration) *domain.Environment {
	t.Helper()
	env := domain.NewEnvironment(run.ID, "scratch-def.json", ttl)
	require.NoError(t, store.CreateEnvironment(context.Background(), env))
	return env
}

// =============================================================================
// Run Tests
// =============================================================================

func TestCreateRun_Success(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store)

	retrieved, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, retrieved.ID)
	assert.Equal(t, run.DefinitionName, retrieved.DefinitionName)
	assert.Equal(t, domain.RunRunning, retrieved.Status)
	assert.Equal(t, -1, retrieved.FailedStep)
	assert.Nil(t, retrieved.FinishedAt)
}

func TestCreateRun_DuplicateID(t *testing.T) {
	store := setupTestStore(t)

	run := createTestRun(t, store)
	err := store.CreateRun(context.Background(), run)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetRun(context.Background(), "no-such-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRun_StatusTransitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store)

	run.CurrentStage = "integration-testing"
	require.NoError(t, run.Transition(domain.RunAwaitingApproval))
	require.NoError(t, store.UpdateRun(ctx, run))

	retrieved, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunAwaitingApproval, retrieved.Status)
	assert.Equal(t, "integration-testing", retrieved.CurrentStage)
}

func TestUpdateRun_FailureDetail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store)
	require.NoError(t, run.TransitionToFailed("integration-testing", 4, "install failed"))
	require.NoError(t, store.UpdateRun(ctx, run))

	retrieved, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, retrieved.Status)
	assert.Equal(t, "integration-testing", retrieved.FailedStage)
	assert.Equal(t, 4, retrieved.FailedStep)
	assert.Equal(t, "install failed", retrieved.ErrorMessage)
	require.NotNil(t, retrieved.FinishedAt)
}

func TestUpdateRun_NotFound(t *testing.T) {
	store := setupTestStore(t)

	run := domain.NewPipelineRun("p")
	err := store.UpdateRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)

	for i := 0; i < 3; i++ {
		createTestRun(t, store)
	}

	runs, err := store.ListRuns(context.Background(), DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	limited, err := store.ListRuns(context.Background(), ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// =============================================================================
// Environment Tests
// =============================================================================

func TestCreateEnvironment_RoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store)
	env := createTestEnvironment(t, store, run, 7*24*time.Hour)

	retrieved, err := store.GetEnvironment(ctx, env.Username)
	require.NoError(t, err)
	assert.Equal(t, env.Username, retrieved.Username)
	assert.Equal(t, run.ID, retrieved.RunID)
	assert.Equal(t, domain.EnvProvisioning, retrieved.State)
	assert.WithinDuration(t, env.ExpiresAt, retrieved.ExpiresAt, time.Millisecond)
}

func TestGetEnvironment_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetEnvironment(context.Background(), "ci-deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEnvironment_Destroy(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store)
	env := createTestEnvironment(t, store, run, time.Hour)

	require.NoError(t, env.Transition(domain.EnvReady))
	require.NoError(t, env.Transition(domain.EnvDestroyed))
	require.NoError(t, store.UpdateEnvironment(ctx, env))

	retrieved, err := store.GetEnvironment(ctx, env.Username)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvDestroyed, retrieved.State)
	require.NotNil(t, retrieved.DestroyedAt)
}

func TestListEnvironmentsByRun(t *testing.T) {
	store := setupTestStore(t)

	run := createTestRun(t, store)
	other := createTestRun(t, store)
	createTestEnvironment(t, store, run, time.Hour)
	createTestEnvironment(t, store, run, time.Hour)
	createTestEnvironment(t, store, other, time.Hour)

	envs, err := store.ListEnvironmentsByRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func TestListExpiredEnvironments(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := createTestRun(t, store)
	expired := createTestEnvironment(t, store, run, time.Millisecond)
	createTestEnvironment(t, store, run, time.Hour)

	// Already-destroyed environments are not reported as expired.
	gone := createTestEnvironment(t, store, run, time.Millisecond)
	require.NoError(t, gone.Transition(domain.EnvDestroyed))
	require.NoError(t, store.UpdateEnvironment(ctx, gone))

	envs, err := store.ListExpiredEnvironments(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, expired.Username, envs[0].Username)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := domain.NewPipelineRun("p")
	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = store.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_Commit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := domain.NewPipelineRun("p")
	env := domain.NewEnvironment(run.ID, "def", time.Hour)

	err := store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		return tx.CreateEnvironment(ctx, env)
	})
	require.NoError(t, err)

	_, err = store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	_, err = store.GetEnvironment(ctx, env.Username)
	require.NoError(t, err)
}
