package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/shiplane/shiplane/internal/core/version"
)

// =============================================================================
// Fake Client
// =============================================================================

// Fake is an in-memory Client for tests. Every call is recorded in Calls;
// per-operation error hooks inject failures. The zero value behaves as a
// platform with no packages and instantly-ready environments.
type Fake struct {
	mu    sync.Mutex
	Calls []string

	// Environments tracks status by username. CreateEnvironment seeds
	// EnvStatusReady unless CreateStatus overrides it.
	Environments map[string]EnvStatus
	CreateStatus EnvStatus

	// Versions is what ListReleasedVersions returns.
	Versions []version.Record

	// NextVersionID is returned by CreatePackageVersion.
	NextVersionID string

	// Results is what RunTests returns.
	Results TestResults

	// Promoted and Installed record promotion/installation targets.
	Promoted  []string
	Installed []string

	// Errors maps an operation name (e.g. "RunTests") to an error to
	// return from that operation.
	Errors map[string]error
}

// NewFake creates a fake platform client.
func NewFake() *Fake {
	return &Fake{
		Environments:  make(map[string]EnvStatus),
		NextVersionID: "pkgv-0001",
		Results:       TestResults{Passed: true, Coverage: 88.5},
		Errors:        make(map[string]error),
	}
}

func (f *Fake) record(op string, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if detail != "" {
		f.Calls = append(f.Calls, op+":"+detail)
	} else {
		f.Calls = append(f.Calls, op)
	}
	return f.Errors[op]
}

// CallNames returns the recorded operation names without detail suffixes.
func (f *Fake) CallNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		for i := range c {
			if c[i] == ':' {
				c = c[:i]
				break
			}
		}
		names = append(names, c)
	}
	return names
}

func (f *Fake) Authenticate(ctx context.Context, signingKey []byte, account string) error {
	return f.record("Authenticate", account)
}

func (f *Fake) ValidateSource(ctx context.Context) error {
	return f.record("ValidateSource", "")
}

func (f *Fake) CreateEnvironment(ctx context.Context, username, definition string, ttlDays int) error {
	if err := f.record("CreateEnvironment", username); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.CreateStatus
	if status == "" {
		status = EnvStatusReady
	}
	f.Environments[username] = status
	return nil
}

func (f *Fake) EnvironmentStatus(ctx context.Context, username string) (EnvStatus, error) {
	if err := f.record("EnvironmentStatus", username); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.Environments[username]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrEnvironmentNotFound, username)
	}
	return status, nil
}

func (f *Fake) DestroyEnvironment(ctx context.Context, username string) error {
	if err := f.record("DestroyEnvironment", username); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Environments[username]; !ok {
		return ErrEnvironmentNotFound
	}
	f.Environments[username] = EnvStatusDeleted
	return nil
}

func (f *Fake) ApplyFixtures(ctx context.Context, username, permissionSet, dataPlan string) error {
	return f.record("ApplyFixtures", username)
}

func (f *Fake) RunTests(ctx context.Context, username string) (TestResults, error) {
	if err := f.record("RunTests", username); err != nil {
		return TestResults{}, err
	}
	return f.Results, nil
}

func (f *Fake) ListReleasedVersions(ctx context.Context, packageName string) ([]version.Record, error) {
	if err := f.record("ListReleasedVersions", packageName); err != nil {
		return nil, err
	}
	return f.Versions, nil
}

func (f *Fake) CreatePackageVersion(ctx context.Context, packageName, versionNumber string) (string, error) {
	if err := f.record("CreatePackageVersion", versionNumber); err != nil {
		return "", err
	}
	return f.NextVersionID, nil
}

func (f *Fake) InstallPackage(ctx context.Context, versionID, username string) error {
	if err := f.record("InstallPackage", versionID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Installed = append(f.Installed, versionID)
	return nil
}

func (f *Fake) PromotePackageVersion(ctx context.Context, versionID string) error {
	if err := f.record("PromotePackageVersion", versionID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Promoted = append(f.Promoted, versionID)
	return nil
}

var _ Client = (*Fake)(nil)
