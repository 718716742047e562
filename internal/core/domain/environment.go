package domain

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Environment Errors
// =============================================================================

var (
	ErrInvalidEnvTransition = errors.New("invalid environment state transition")
	ErrEnvExpired           = errors.New("environment TTL has expired")
)

// =============================================================================
// Environment State
// =============================================================================

type EnvironmentState string

const (
	EnvProvisioning EnvironmentState = "provisioning"
	EnvReady        EnvironmentState = "ready"
	EnvInUse        EnvironmentState = "in_use"
	EnvDestroyed    EnvironmentState = "destroyed"
	EnvFailed       EnvironmentState = "failed"
)

// =============================================================================
// Environment
// =============================================================================

// Environment is an ephemeral, isolated instance of the target platform,
// created for test isolation and destroyed after use. The Username is the
// durable identity: it is what gets handed off between stages (via an
// artifact) and resolved back for teardown, possibly in another process.
type Environment struct {
	Username    string           `json:"username"`
	RunID       string           `json:"run_id"`
	Definition  string           `json:"definition"`
	State       EnvironmentState `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	DestroyedAt *time.Time       `json:"destroyed_at,omitempty"`
}

// NewEnvironment creates an environment record in the provisioning state.
func NewEnvironment(runID, definition string, ttl time.Duration) *Environment {
	now := time.Now().UTC()
	return &Environment{
		Username:   GenerateUsername(),
		RunID:      runID,
		Definition: definition,
		State:      EnvProvisioning,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Expired reports whether the environment's TTL has elapsed.
func (e *Environment) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Alive reports whether the environment still holds platform resources.
func (e *Environment) Alive() bool {
	return e.State != EnvDestroyed && e.State != EnvFailed
}

// Transition attempts to move the environment to a new state.
func (e *Environment) Transition(to EnvironmentState) error {
	if err := ValidateEnvTransition(e.State, to); err != nil {
		return err
	}
	e.State = to
	if to == EnvDestroyed {
		now := time.Now().UTC()
		e.DestroyedAt = &now
	}
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

// validEnvTransitions defines the allowed environment state transitions.
// Destroyed is terminal; failed environments may still be swept into
// destroyed by a best-effort cleanup.
var validEnvTransitions = map[EnvironmentState][]EnvironmentState{
	EnvProvisioning: {EnvReady, EnvFailed, EnvDestroyed},
	EnvReady:        {EnvInUse, EnvDestroyed},
	EnvInUse:        {EnvDestroyed},
	EnvFailed:       {EnvDestroyed},
	EnvDestroyed:    {},
}

// ValidateEnvTransition checks if an environment state transition is valid.
func ValidateEnvTransition(from, to EnvironmentState) error {
	allowed, exists := validEnvTransitions[from]
	if !exists {
		return ErrInvalidEnvTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidEnvTransition
}

// =============================================================================
// Identity Generation
// =============================================================================

// GenerateUsername generates a unique environment username.
func GenerateUsername() string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("ci-%s", hex.EncodeToString(suffix))
}
