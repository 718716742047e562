// Package provision manages the ephemeral environment lifecycle: create,
// populate, destroy. Creation is an external, slow operation (minutes); the
// wait for readiness is a bounded poll, never an indefinite suspension.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shiplane/shiplane/internal/core/domain"
	"github.com/shiplane/shiplane/internal/shell/platform"
	"github.com/shiplane/shiplane/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrProvisionTimeout is returned when an environment does not reach
	// ready within the configured wait. Stage-fatal.
	ErrProvisionTimeout = errors.New("environment did not become ready in time")

	// ErrProvisionFailed is returned for any other creation error.
	// Stage-fatal.
	ErrProvisionFailed = errors.New("environment provisioning failed")
)

// =============================================================================
// Config
// =============================================================================

// Config configures the provisioner.
type Config struct {
	TTL          time.Duration
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

// DefaultConfig returns default provisioner configuration.
func DefaultConfig() Config {
	return Config{
		TTL:          7 * 24 * time.Hour,
		PollInterval: 30 * time.Second,
		ReadyTimeout: 15 * time.Minute,
	}
}

// =============================================================================
// Provisioner
// =============================================================================

// Provisioner creates and destroys ephemeral environments on the platform
// and tracks each one in the store. The persisted username is the handle a
// later stage (or process) uses to resolve the environment for teardown.
type Provisioner struct {
	platform platform.Client
	store    store.Store
	config   Config
	logger   *slog.Logger
}

// NewProvisioner creates an environment provisioner.
func NewProvisioner(p platform.Client, s store.Store, config Config, logger *slog.Logger) *Provisioner {
	if config.TTL == 0 {
		config.TTL = 7 * 24 * time.Hour
	}
	if config.PollInterval == 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.ReadyTimeout == 0 {
		config.ReadyTimeout = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		platform: p,
		store:    s,
		config:   config,
		logger:   logger.With("component", "provision"),
	}
}

// Create provisions a new environment for the run and blocks until the
// platform reports it ready. The environment row is persisted before any
// platform call so the identity survives a crash mid-provision.
func (p *Provisioner) Create(ctx context.Context, runID, definition string) (*domain.Environment, error) {
	env := domain.NewEnvironment(runID, definition, p.config.TTL)
	logger := p.logger.With("username", env.Username, "run_id", runID)

	if err := p.store.CreateEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	ttlDays := int(p.config.TTL / (24 * time.Hour))
	if ttlDays < 1 {
		ttlDays = 1
	}

	logger.Info("creating environment", "definition", definition, "ttl_days", ttlDays)
	if err := p.platform.CreateEnvironment(ctx, env.Username, definition, ttlDays); err != nil {
		p.abandon(ctx, env, logger)
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	if err := p.waitReady(ctx, env, logger); err != nil {
		p.abandon(ctx, env, logger)
		return nil, err
	}

	if err := env.Transition(domain.EnvReady); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	if err := p.store.UpdateEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	logger.Info("environment ready")
	return env, nil
}

// waitReady polls the platform until the environment is ready, the bounded
// wait elapses, or the platform reports a failure.
func (p *Provisioner) waitReady(ctx context.Context, env *domain.Environment, logger *slog.Logger) error {
	deadline := time.Now().Add(p.config.ReadyTimeout)
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := p.platform.EnvironmentStatus(ctx, env.Username)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProvisionFailed, err)
		}

		switch status {
		case platform.EnvStatusReady:
			return nil
		case platform.EnvStatusError, platform.EnvStatusDeleted:
			return fmt.Errorf("%w: platform reports status %s", ErrProvisionFailed, status)
		}

		if time.Now().After(deadline) {
			logger.Error("environment readiness wait timed out", "timeout", p.config.ReadyTimeout)
			return fmt.Errorf("%w: waited %s", ErrProvisionTimeout, p.config.ReadyTimeout)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrProvisionFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// abandon marks a partially created environment failed after a best-effort
// platform delete. Errors here are logged, never returned: the creation
// failure is the one the caller sees.
func (p *Provisioner) abandon(ctx context.Context, env *domain.Environment, logger *slog.Logger) {
	if err := p.platform.DestroyEnvironment(ctx, env.Username); err != nil &&
		!errors.Is(err, platform.ErrEnvironmentNotFound) {
		logger.Warn("best-effort cleanup of partial environment failed", "error", err)
	}
	if err := env.Transition(domain.EnvFailed); err == nil {
		if err := p.store.UpdateEnvironment(ctx, env); err != nil {
			logger.Warn("failed to record abandoned environment", "error", err)
		}
	}
}

// Populate applies baseline fixtures (permission set and sample data plan)
// and marks the environment in use.
func (p *Provisioner) Populate(ctx context.Context, env *domain.Environment, permissionSet, dataPlan string) error {
	if err := p.platform.ApplyFixtures(ctx, env.Username, permissionSet, dataPlan); err != nil {
		return fmt.Errorf("failed to populate environment %s: %w", env.Username, err)
	}

	if err := env.Transition(domain.EnvInUse); err != nil {
		return err
	}
	if err := p.store.UpdateEnvironment(ctx, env); err != nil {
		return err
	}

	p.logger.Info("environment populated",
		"username", env.Username,
		"permission_set", permissionSet,
		"data_plan", dataPlan,
	)
	return nil
}

// Resolve loads an environment by its persisted username, as handed off
// through an artifact by an earlier stage.
func (p *Provisioner) Resolve(ctx context.Context, username string) (*domain.Environment, error) {
	return p.store.GetEnvironment(ctx, username)
}

// Destroy tears down an environment. Idempotent: destroying an
// already-destroyed or never-successfully-created environment is a no-op.
func (p *Provisioner) Destroy(ctx context.Context, env *domain.Environment) error {
	logger := p.logger.With("username", env.Username)

	if env.State == domain.EnvDestroyed {
		logger.Debug("environment already destroyed")
		return nil
	}

	if err := p.platform.DestroyEnvironment(ctx, env.Username); err != nil {
		if errors.Is(err, platform.ErrEnvironmentNotFound) {
			logger.Debug("environment already gone on platform")
		} else {
			return fmt.Errorf("failed to destroy environment %s: %w", env.Username, err)
		}
	}

	if err := env.Transition(domain.EnvDestroyed); err != nil {
		return err
	}
	if err := p.store.UpdateEnvironment(ctx, env); err != nil {
		return err
	}

	logger.Info("environment destroyed")
	return nil
}
