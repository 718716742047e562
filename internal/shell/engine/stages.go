package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shiplane/shiplane/internal/core/domain"
	"github.com/shiplane/shiplane/internal/core/pipeline"
	"github.com/shiplane/shiplane/internal/core/version"
	"github.com/shiplane/shiplane/internal/shell/artifact"
	"github.com/shiplane/shiplane/internal/shell/platform"
	"github.com/shiplane/shiplane/internal/shell/provision"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownStep is returned at assembly time for a step name the
	// engine has no capability binding for.
	ErrUnknownStep = errors.New("unknown step in pipeline definition")

	// ErrStepOrder is returned when a step runs before the step whose
	// output it needs.
	ErrStepOrder = errors.New("step depends on an earlier step that has not run")

	// ErrTestsFailed is returned when the platform test run does not pass.
	ErrTestsFailed = errors.New("platform test run failed")
)

// Artifact names handed off from integration-testing to app-deploy. These
// are the externally observable files: one per artifact, raw UTF-8 value.
const (
	ArtifactPackageVersionID    = "package-version-id"
	ArtifactEnvironmentUsername = "environment-username"
	ArtifactTestCoverage        = "test-coverage"
)

// =============================================================================
// Execution Context
// =============================================================================

// ExecutionContext carries the credentials and target identifiers for one
// run. It is passed explicitly into stage assembly; nothing here lives in
// ambient global state.
type ExecutionContext struct {
	Account    string
	SigningKey []byte
}

// =============================================================================
// Assembler
// =============================================================================

// AssemblerConfig names the release targets the stages operate on.
type AssemblerConfig struct {
	PackageName   string
	EnvDefinition string
	PermissionSet string
	DataPlan      string
}

// Assembler binds the step names of a pipeline definition to concrete
// capability invocations.
type Assembler struct {
	platform    platform.Client
	provisioner *provision.Provisioner
	artifacts   *artifact.Store
	config      AssemblerConfig
}

// NewAssembler creates a stage assembler.
func NewAssembler(p platform.Client, prov *provision.Provisioner, a *artifact.Store, config AssemblerConfig) *Assembler {
	return &Assembler{
		platform:    p,
		provisioner: prov,
		artifacts:   a,
		config:      config,
	}
}

// Factory returns a StageFactory for the definition under the given
// execution context. The factory is invoked once per run; steps of the same
// run share state (resolved version, created environment) through the
// closure, never through globals.
func (a *Assembler) Factory(def *pipeline.Definition, execCtx ExecutionContext) StageFactory {
	return func(runID string) ([]pipeline.Stage, error) {
		// Per-run state threaded between steps of the same stage.
		var (
			resolved  *version.Number
			versionID string
			env       *domain.Environment
		)

		bind := func(name string) (pipeline.Step, error) {
			switch name {
			case "authenticate":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					return a.platform.Authenticate(ctx, execCtx.SigningKey, execCtx.Account)
				}}, nil

			case "static-validation":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					return a.platform.ValidateSource(ctx)
				}}, nil

			case "resolve-version":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					records, err := a.platform.ListReleasedVersions(ctx, a.config.PackageName)
					if err != nil {
						return err
					}
					var latest *version.Record
					if len(records) > 0 {
						latest = &records[len(records)-1]
					}
					n, err := version.Resolve(latest)
					if err != nil {
						return err
					}
					resolved = &n
					return nil
				}}, nil

			case "create-package-version":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					if resolved == nil {
						return fmt.Errorf("%w: %s needs resolve-version", ErrStepOrder, name)
					}
					id, err := a.platform.CreatePackageVersion(ctx, a.config.PackageName, resolved.String())
					if err != nil {
						return err
					}
					versionID = id
					return nil
				}}, nil

			case "create-environment":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					created, err := a.provisioner.Create(ctx, runID, a.config.EnvDefinition)
					if err != nil {
						return err
					}
					env = created
					return nil
				}}, nil

			case "populate-environment":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					if env == nil {
						return fmt.Errorf("%w: %s needs create-environment", ErrStepOrder, name)
					}
					return a.provisioner.Populate(ctx, env, a.config.PermissionSet, a.config.DataPlan)
				}}, nil

			case "install-package":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					if versionID == "" || env == nil {
						return fmt.Errorf("%w: %s needs create-package-version and create-environment", ErrStepOrder, name)
					}
					return a.platform.InstallPackage(ctx, versionID, env.Username)
				}}, nil

			case "run-tests":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					if env == nil {
						return fmt.Errorf("%w: %s needs create-environment", ErrStepOrder, name)
					}
					results, err := a.platform.RunTests(ctx, env.Username)
					if err != nil {
						return err
					}
					if putErr := a.artifacts.Put(runID, ArtifactTestCoverage,
						strconv.FormatFloat(results.Coverage, 'f', 1, 64)); putErr != nil {
						return putErr
					}
					if !results.Passed {
						return fmt.Errorf("%w: coverage %.1f%%", ErrTestsFailed, results.Coverage)
					}
					return nil
				}}, nil

			case "publish-artifacts":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					if versionID == "" || env == nil {
						return fmt.Errorf("%w: %s needs create-package-version and create-environment", ErrStepOrder, name)
					}
					if err := a.artifacts.Put(runID, ArtifactPackageVersionID, versionID); err != nil {
						return err
					}
					return a.artifacts.Put(runID, ArtifactEnvironmentUsername, env.Username)
				}}, nil

			case "promote-package-version":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					id, err := a.artifacts.Get(runID, ArtifactPackageVersionID)
					if err != nil {
						return err
					}
					return a.platform.PromotePackageVersion(ctx, id)
				}}, nil

			case "teardown-environment":
				return pipeline.Step{Name: name, Run: func(ctx context.Context) error {
					username, err := a.artifacts.Get(runID, ArtifactEnvironmentUsername)
					if err != nil {
						return err
					}
					handed, err := a.provisioner.Resolve(ctx, username)
					if err != nil {
						return err
					}
					return a.provisioner.Destroy(ctx, handed)
				}}, nil

			default:
				return pipeline.Step{}, fmt.Errorf("%w: %q", ErrUnknownStep, name)
			}
		}

		stages := make([]pipeline.Stage, 0, len(def.Stages))
		for _, sd := range def.Stages {
			steps := make([]pipeline.Step, 0, len(sd.Steps))
			for _, stepName := range sd.Steps {
				step, err := bind(stepName)
				if err != nil {
					return nil, err
				}
				steps = append(steps, step)
			}
			stages = append(stages, pipeline.Stage{
				Name:    sd.Name,
				Trigger: sd.TriggerMode(),
				Steps:   steps,
				Outputs: sd.Outputs,
			})
		}
		return stages, nil
	}
}
