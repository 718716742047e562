package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvironment(t *testing.T) {
	env := NewEnvironment("run-1", "config/env-def.json", 7*24*time.Hour)

	assert.Equal(t, EnvProvisioning, env.State)
	assert.Equal(t, "run-1", env.RunID)
	assert.True(t, strings.HasPrefix(env.Username, "ci-"))
	assert.WithinDuration(t, env.CreatedAt.Add(7*24*time.Hour), env.ExpiresAt, time.Second)
	assert.Nil(t, env.DestroyedAt)
}

func TestEnvironmentTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    EnvironmentState
		to      EnvironmentState
		wantErr bool
	}{
		{"provisioning to ready", EnvProvisioning, EnvReady, false},
		{"provisioning to failed", EnvProvisioning, EnvFailed, false},
		{"provisioning to destroyed", EnvProvisioning, EnvDestroyed, false},
		{"ready to in_use", EnvReady, EnvInUse, false},
		{"ready to destroyed", EnvReady, EnvDestroyed, false},
		{"in_use to destroyed", EnvInUse, EnvDestroyed, false},
		{"failed to destroyed", EnvFailed, EnvDestroyed, false},
		{"destroyed is terminal", EnvDestroyed, EnvReady, true},
		{"ready cannot regress", EnvReady, EnvProvisioning, true},
		{"in_use cannot go ready", EnvInUse, EnvReady, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEnvTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvironmentTransition_SetsDestroyedAt(t *testing.T) {
	env := NewEnvironment("run-1", "def", time.Hour)
	require.NoError(t, env.Transition(EnvReady))
	require.NoError(t, env.Transition(EnvInUse))
	assert.True(t, env.Alive())

	require.NoError(t, env.Transition(EnvDestroyed))
	assert.False(t, env.Alive())
	require.NotNil(t, env.DestroyedAt)
}

func TestEnvironmentFailedCanBeDestroyed(t *testing.T) {
	env := NewEnvironment("run-1", "def", time.Hour)
	require.NoError(t, env.Transition(EnvFailed))
	assert.False(t, env.Alive())
	require.NoError(t, env.Transition(EnvDestroyed))
}

func TestEnvironmentExpired(t *testing.T) {
	env := NewEnvironment("run-1", "def", time.Hour)

	assert.False(t, env.Expired(time.Now()))
	assert.True(t, env.Expired(time.Now().Add(2*time.Hour)))
}

func TestGenerateUsername_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		u := GenerateUsername()
		assert.False(t, seen[u])
		seen[u] = true
	}
}
