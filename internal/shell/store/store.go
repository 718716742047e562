package store

import (
	"context"
	"time"

	"github.com/shiplane/shiplane/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for pipeline runs and ephemeral
// environments. Environment rows are what make the cross-stage (and
// cross-process) teardown handoff work: the username written to an artifact
// resolves back to the same environment here.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (*domain.PipelineRun, error)
	UpdateRun(ctx context.Context, run *domain.PipelineRun) error
	ListRuns(ctx context.Context, opts ListOptions) ([]domain.PipelineRun, error)

	// Environment operations
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironment(ctx context.Context, username string) (*domain.Environment, error)
	UpdateEnvironment(ctx context.Context, env *domain.Environment) error
	ListEnvironmentsByRun(ctx context.Context, runID string) ([]domain.Environment, error)
	ListExpiredEnvironments(ctx context.Context, now time.Time) ([]domain.Environment, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
