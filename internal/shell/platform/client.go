// Package platform talks to the external environment platform through its
// vendor CLI. The pipeline core treats every call here as a black-box
// capability; wire formats stay inside this package.
package platform

import (
	"context"
	"errors"

	"github.com/shiplane/shiplane/internal/core/version"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrAuthenticationFailed is returned when the platform rejects the
	// signing key or account identity.
	ErrAuthenticationFailed = errors.New("platform authentication failed")

	// ErrEnvironmentNotFound is returned for operations on an environment
	// the platform does not know. Destroy treats it as already gone.
	ErrEnvironmentNotFound = errors.New("environment not found on platform")
)

// =============================================================================
// Types
// =============================================================================

// EnvStatus is the platform-reported lifecycle status of an environment.
type EnvStatus string

const (
	EnvStatusPending EnvStatus = "pending"
	EnvStatusReady   EnvStatus = "ready"
	EnvStatusError   EnvStatus = "error"
	EnvStatusDeleted EnvStatus = "deleted"
)

// TestResults is the outcome of a platform test run.
type TestResults struct {
	Passed   bool    `json:"passed"`
	Coverage float64 `json:"coverage"`
}

// =============================================================================
// Client Interface
// =============================================================================

// Client is the capability surface the pipeline consumes. Implementations
// may retry internally against flaky calls; callers never retry.
type Client interface {
	// Authenticate establishes a platform session for the account using
	// the decrypted signing key.
	Authenticate(ctx context.Context, signingKey []byte, account string) error

	// ValidateSource runs the platform's static validation over the
	// package source without deploying it anywhere.
	ValidateSource(ctx context.Context) error

	// CreateEnvironment asks the platform for a new ephemeral environment
	// under the given username. Creation is asynchronous; poll
	// EnvironmentStatus until ready.
	CreateEnvironment(ctx context.Context, username, definition string, ttlDays int) error

	// EnvironmentStatus reports the platform-side status of an environment.
	EnvironmentStatus(ctx context.Context, username string) (EnvStatus, error)

	// DestroyEnvironment deletes an environment. Unknown environments
	// return ErrEnvironmentNotFound.
	DestroyEnvironment(ctx context.Context, username string) error

	// ApplyFixtures assigns the permission set and loads the sample data
	// plan into an environment.
	ApplyFixtures(ctx context.Context, username, permissionSet, dataPlan string) error

	// RunTests executes the test suite inside an environment.
	RunTests(ctx context.Context, username string) (TestResults, error)

	// ListReleasedVersions returns the version records of a package,
	// oldest first. Empty when no version was ever created.
	ListReleasedVersions(ctx context.Context, packageName string) ([]version.Record, error)

	// CreatePackageVersion creates a new package version and returns its
	// platform identifier.
	CreatePackageVersion(ctx context.Context, packageName, versionNumber string) (string, error)

	// InstallPackage installs a package version into an environment.
	InstallPackage(ctx context.Context, versionID, username string) error

	// PromotePackageVersion marks a package version as released.
	PromotePackageVersion(ctx context.Context, versionID string) error
}
