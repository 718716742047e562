package pipeline

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Definition Errors
// =============================================================================

var (
	ErrEmptyDefinition  = errors.New("pipeline definition has no stages")
	ErrDuplicateStage   = errors.New("duplicate stage name in definition")
	ErrUnnamedStage     = errors.New("stage is missing a name")
	ErrBadTrigger       = errors.New("trigger must be \"automatic\" or \"manual\"")
	ErrStageWithoutStep = errors.New("stage declares no steps")
)

// =============================================================================
// Definition Types
// =============================================================================

// Definition is the static pipeline shape as declared in pipeline.yaml.
// Steps here are names only; the engine binds each name to a capability
// invocation when the run is assembled.
type Definition struct {
	Name   string     `yaml:"name"`
	Stages []StageDef `yaml:"stages"`
}

// StageDef declares one stage: its trigger mode, ordered step names, and
// the artifacts it outputs for later stages.
type StageDef struct {
	Name    string   `yaml:"name"`
	Trigger string   `yaml:"trigger"`
	Steps   []string `yaml:"steps"`
	Outputs []string `yaml:"outputs,omitempty"`
}

// TriggerMode returns the declared trigger, defaulting to automatic.
func (s StageDef) TriggerMode() TriggerMode {
	if s.Trigger == string(TriggerManual) {
		return TriggerManual
	}
	return TriggerAutomatic
}

// =============================================================================
// Loading
// =============================================================================

// LoadDefinition reads and validates a pipeline definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition parses and validates pipeline definition YAML.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural invariants of the definition.
func (d *Definition) Validate() error {
	if len(d.Stages) == 0 {
		return ErrEmptyDefinition
	}

	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.Name == "" {
			return ErrUnnamedStage
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateStage, s.Name)
		}
		seen[s.Name] = true

		if s.Trigger != "" && s.Trigger != string(TriggerAutomatic) && s.Trigger != string(TriggerManual) {
			return fmt.Errorf("%w: stage %s has trigger %q", ErrBadTrigger, s.Name, s.Trigger)
		}
		if len(s.Steps) == 0 {
			return fmt.Errorf("%w: %s", ErrStageWithoutStep, s.Name)
		}
	}

	return nil
}
