// Package artifact provides durable handoff of small named values between
// pipeline stages. Each artifact is one file holding the raw UTF-8 value,
// so a later stage can read it even from a different process.
package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrArtifactNotFound is returned when an artifact was never written
	// in this run (or its producing stage did not execute).
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrInvalidName is returned for artifact names that cannot be used
	// as file names.
	ErrInvalidName = errors.New("invalid artifact name")
)

// =============================================================================
// Store
// =============================================================================

// Store persists artifacts for one pipeline run under
// <baseDir>/<runID>/<name>, one file per artifact, value as raw UTF-8 text.
type Store struct {
	baseDir string
	logger  *slog.Logger
}

// NewStore creates an artifact store rooted at baseDir.
func NewStore(baseDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		baseDir: baseDir,
		logger:  logger.With("component", "artifact"),
	}
}

// Put writes an artifact value. Writing the same name twice within a run is
// last-write-wins; it is logged as a warning because each name is expected
// to be written exactly once per run.
func (s *Store) Put(runID, name, value string) error {
	if err := validateName(name); err != nil {
		return err
	}

	dir := filepath.Join(s.baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		s.logger.Warn("artifact overwritten", "run_id", runID, "name", name)
	}

	// Write through a temp file so readers never observe a partial value.
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create artifact temp file: %w", err)
	}
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close artifact %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish artifact %s: %w", name, err)
	}

	s.logger.Debug("artifact written", "run_id", runID, "name", name)
	return nil
}

// Get reads an artifact value written earlier in the same run.
func (s *Store) Get(runID, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}

	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
		}
		return "", fmt.Errorf("failed to read artifact %s: %w", name, err)
	}

	return string(data), nil
}

// Purge removes all artifacts of a run. Artifacts persist for the lifetime
// of the pipeline run only; callers purge after archiving the run.
func (s *Store) Purge(runID string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, runID))
}

// validateName rejects names that would escape the run directory.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
