package provision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiplane/shiplane/internal/core/domain"
	"github.com/shiplane/shiplane/internal/shell/platform"
	"github.com/shiplane/shiplane/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTest(t *testing.T) (*platform.Fake, store.Store, *Provisioner) {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fake := platform.NewFake()
	p := NewProvisioner(fake, s, Config{
		TTL:          time.Hour,
		PollInterval: time.Millisecond,
		ReadyTimeout: 50 * time.Millisecond,
	}, nil)
	return fake, s, p
}

func createRun(t *testing.T, s store.Store) *domain.PipelineRun {
	t.Helper()
	run := domain.NewPipelineRun("package-release")
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// =============================================================================
// Create Tests
// =============================================================================

func TestCreate_Success(t *testing.T) {
	fake, s, p := setupTest(t)
	ctx := context.Background()
	run := createRun(t, s)

	env, err := p.Create(ctx, run.ID, "scratch-def.json")
	require.NoError(t, err)
	assert.Equal(t, domain.EnvReady, env.State)

	// Identity is persisted and resolvable, state included.
	stored, err := s.GetEnvironment(ctx, env.Username)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvReady, stored.State)
	assert.Equal(t, run.ID, stored.RunID)

	assert.Contains(t, fake.CallNames(), "CreateEnvironment")
}

func TestCreate_PlatformError(t *testing.T) {
	fake, s, p := setupTest(t)
	ctx := context.Background()
	run := createRun(t, s)

	fake.Errors["CreateEnvironment"] = assert.AnError

	_, err := p.Create(ctx, run.ID, "def.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisionFailed)

	// The persisted row records the failure.
	envs, err := s.ListEnvironmentsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, domain.EnvFailed, envs[0].State)
}

func TestCreate_Timeout(t *testing.T) {
	fake, s, p := setupTest(t)
	ctx := context.Background()
	run := createRun(t, s)

	// Environment never leaves pending.
	fake.CreateStatus = platform.EnvStatusPending

	_, err := p.Create(ctx, run.ID, "def.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisionTimeout)

	// Best-effort cleanup was attempted.
	assert.Contains(t, fake.CallNames(), "DestroyEnvironment")
}

func TestCreate_PlatformReportsError(t *testing.T) {
	fake, s, p := setupTest(t)
	run := createRun(t, s)

	fake.CreateStatus = platform.EnvStatusError

	_, err := p.Create(context.Background(), run.ID, "def.json")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProvisionFailed)
	assert.NotErrorIs(t, err, ErrProvisionTimeout)
}

// =============================================================================
// Populate Tests
// =============================================================================

func TestPopulate(t *testing.T) {
	fake, s, p := setupTest(t)
	ctx := context.Background()
	run := createRun(t, s)

	env, err := p.Create(ctx, run.ID, "def.json")
	require.NoError(t, err)

	require.NoError(t, p.Populate(ctx, env, "Release_User", "data/plan.json"))
	assert.Equal(t, domain.EnvInUse, env.State)
	assert.Contains(t, fake.CallNames(), "ApplyFixtures")

	stored, err := s.GetEnvironment(ctx, env.Username)
	require.NoError(t, err)
	assert.Equal(t, domain.EnvInUse, stored.State)
}

func TestPopulate_FixtureFailure(t *testing.T) {
	fake, s, p := setupTest(t)
	ctx := context.Background()
	run := createRun(t, s)

	env, err := p.Create(ctx, run.ID, "def.json")
	require.NoError(t, err)

	fake.Errors["ApplyFixtures"] = assert.AnError
	err = p.Populate(ctx, env, "Release_User", "data/plan.json")
	require.Error(t, err)
	// State does not advance on failure.
	assert.Equal(t, domain.EnvReady, env.State)
}

// =============================================================================
// Destroy Tests
// =============================================================================

func TestDestroy_Idempotent(t *testing.T) {
	fake, s, p := setupTest(t)
	ctx := context.Background()
	run := createRun(t, s)

	env, err := p.Create(ctx, run.ID, "def.json")
	require.NoError(t, err)

	require.NoError(t, p.Destroy(ctx, env))
	assert.Equal(t, domain.EnvDestroyed, env.State)

	// Destroying again is a no-op, not an error.
	calls := len(fake.Calls)
	require.NoError(t, p.Destroy(ctx, env))
	assert.Equal(t, calls, len(fake.Calls))
}

func TestDestroy_AlreadyGoneOnPlatform(t *testing.T) {
	fake, s, p := setupTest(t)
	ctx := context.Background()
	run := createRun(t, s)

	env, err := p.Create(ctx, run.ID, "def.json")
	require.NoError(t, err)

	// Platform lost the environment (expired TTL, manual delete).
	fake.Errors["DestroyEnvironment"] = platform.ErrEnvironmentNotFound

	require.NoError(t, p.Destroy(ctx, env))
	assert.Equal(t, domain.EnvDestroyed, env.State)
}

// =============================================================================
// Resolve Tests
// =============================================================================

func TestResolve_AcrossProvisionerInstances(t *testing.T) {
	fake, s, p := setupTest(t)
	ctx := context.Background()
	run := createRun(t, s)

	env, err := p.Create(ctx, run.ID, "def.json")
	require.NoError(t, err)

	// A fresh provisioner (as in a later stage's process) resolves the
	// same environment from its persisted identity.
	later := NewProvisioner(fake, s, DefaultConfig(), nil)
	resolved, err := later.Resolve(ctx, env.Username)
	require.NoError(t, err)
	assert.Equal(t, env.Username, resolved.Username)

	require.NoError(t, later.Destroy(ctx, resolved))
	assert.Equal(t, domain.EnvDestroyed, resolved.State)
}
