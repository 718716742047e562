package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shiplane/shiplane/internal/core/version"
)

// =============================================================================
// CLI Errors
// =============================================================================

// CLIError carries the detail of a failed vendor CLI invocation. It is
// surfaced unmasked so the run reports exactly what the platform said.
type CLIError struct {
	Op       string
	ExitCode int
	Message  string
}

func (e *CLIError) Error() string {
	return fmt.Sprintf("%s: exit %d: %s", e.Op, e.ExitCode, e.Message)
}

// =============================================================================
// CLI Client
// =============================================================================

// CLIClient implements Client by exec-ing the vendor platform CLI with
// --json output.
type CLIClient struct {
	cliPath string
	logger  *slog.Logger
}

// NewCLIClient creates a platform client that shells out to the CLI binary
// at cliPath.
func NewCLIClient(cliPath string, logger *slog.Logger) *CLIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIClient{
		cliPath: cliPath,
		logger:  logger.With("component", "platform"),
	}
}

// envelope is the vendor CLI's JSON output wrapper.
type envelope struct {
	Status  int             `json:"status"`
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message"`
}

// run invokes the CLI and decodes the JSON envelope. A non-zero envelope
// status is a platform-side failure even when the process exits 0.
func (c *CLIClient) run(ctx context.Context, op string, args ...string) (json.RawMessage, error) {
	args = append(args, "--json")
	cmd := exec.CommandContext(ctx, c.cliPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("invoking platform cli", "op", op, "args", strings.Join(args, " "))

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		// The CLI still emits a JSON envelope on most failures; prefer
		// its message over raw stderr.
		var env envelope
		if jsonErr := json.Unmarshal(stdout.Bytes(), &env); jsonErr == nil && env.Message != "" {
			msg = env.Message
		}
		return nil, &CLIError{Op: op, ExitCode: exitCode, Message: msg}
	}

	var env envelope
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		return nil, &CLIError{Op: op, ExitCode: 0, Message: "unparseable CLI output: " + err.Error()}
	}
	if env.Status != 0 {
		return nil, &CLIError{Op: op, ExitCode: 0, Message: env.Message}
	}

	return env.Result, nil
}

// =============================================================================
// Client Implementation
// =============================================================================

func (c *CLIClient) Authenticate(ctx context.Context, signingKey []byte, account string) error {
	// The CLI only accepts the key as a file; keep it out of argv.
	keyFile, err := os.CreateTemp("", "shiplane-key-*")
	if err != nil {
		return fmt.Errorf("failed to stage signing key: %w", err)
	}
	defer os.Remove(keyFile.Name())

	if _, err := keyFile.Write(signingKey); err != nil {
		keyFile.Close()
		return fmt.Errorf("failed to stage signing key: %w", err)
	}
	if err := keyFile.Close(); err != nil {
		return fmt.Errorf("failed to stage signing key: %w", err)
	}

	_, err = c.run(ctx, "Authenticate",
		"auth", "login",
		"--key-file", keyFile.Name(),
		"--account", account,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return nil
}

func (c *CLIClient) ValidateSource(ctx context.Context) error {
	_, err := c.run(ctx, "ValidateSource", "source", "validate")
	return err
}

func (c *CLIClient) CreateEnvironment(ctx context.Context, username, definition string, ttlDays int) error {
	_, err := c.run(ctx, "CreateEnvironment",
		"env", "create",
		"--username", username,
		"--definition-file", definition,
		"--duration-days", strconv.Itoa(ttlDays),
	)
	return err
}

func (c *CLIClient) EnvironmentStatus(ctx context.Context, username string) (EnvStatus, error) {
	result, err := c.run(ctx, "EnvironmentStatus", "env", "status", "--username", username)
	if err != nil {
		return "", err
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", &CLIError{Op: "EnvironmentStatus", Message: "unparseable status payload: " + err.Error()}
	}

	switch strings.ToLower(payload.Status) {
	case "ready", "active":
		return EnvStatusReady, nil
	case "pending", "creating":
		return EnvStatusPending, nil
	case "deleted":
		return EnvStatusDeleted, nil
	default:
		return EnvStatusError, nil
	}
}

func (c *CLIClient) DestroyEnvironment(ctx context.Context, username string) error {
	_, err := c.run(ctx, "DestroyEnvironment", "env", "delete", "--username", username, "--no-prompt")
	if err != nil {
		var cliErr *CLIError
		if errors.As(err, &cliErr) && strings.Contains(strings.ToLower(cliErr.Message), "not found") {
			return ErrEnvironmentNotFound
		}
		return err
	}
	return nil
}

func (c *CLIClient) ApplyFixtures(ctx context.Context, username, permissionSet, dataPlan string) error {
	if _, err := c.run(ctx, "ApplyFixtures",
		"env", "assign-permission-set",
		"--username", username,
		"--name", permissionSet,
	); err != nil {
		return err
	}

	_, err := c.run(ctx, "ApplyFixtures",
		"data", "import",
		"--username", username,
		"--plan", dataPlan,
	)
	return err
}

func (c *CLIClient) RunTests(ctx context.Context, username string) (TestResults, error) {
	result, err := c.run(ctx, "RunTests",
		"test", "run",
		"--username", username,
		"--wait",
		"--code-coverage",
	)
	if err != nil {
		return TestResults{}, err
	}

	var payload struct {
		Outcome  string `json:"outcome"`
		Coverage string `json:"testRunCoverage"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return TestResults{}, &CLIError{Op: "RunTests", Message: "unparseable test payload: " + err.Error()}
	}

	var coverage float64
	if payload.Coverage != "" {
		coverage, err = strconv.ParseFloat(strings.TrimSuffix(payload.Coverage, "%"), 64)
		if err != nil {
			return TestResults{}, &CLIError{Op: "RunTests", Message: "unparseable coverage value: " + payload.Coverage}
		}
	}
	return TestResults{
		Passed:   strings.EqualFold(payload.Outcome, "passed"),
		Coverage: coverage,
	}, nil
}

func (c *CLIClient) ListReleasedVersions(ctx context.Context, packageName string) ([]version.Record, error) {
	result, err := c.run(ctx, "ListReleasedVersions",
		"package", "version", "list",
		"--package", packageName,
		"--order-by", "CreatedDate",
	)
	if err != nil {
		return nil, err
	}

	var payload []struct {
		MajorVersion string `json:"majorVersion"`
		MinorVersion string `json:"minorVersion"`
		PatchVersion string `json:"patchVersion"`
		IsReleased   bool   `json:"isReleased"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, &CLIError{Op: "ListReleasedVersions", Message: "unparseable version list: " + err.Error()}
	}

	records := make([]version.Record, 0, len(payload))
	for _, v := range payload {
		records = append(records, version.Record{
			Major:      v.MajorVersion,
			Minor:      v.MinorVersion,
			Patch:      v.PatchVersion,
			IsReleased: v.IsReleased,
		})
	}
	return records, nil
}

func (c *CLIClient) CreatePackageVersion(ctx context.Context, packageName, versionNumber string) (string, error) {
	result, err := c.run(ctx, "CreatePackageVersion",
		"package", "version", "create",
		"--package", packageName,
		"--version-number", versionNumber,
		"--wait",
	)
	if err != nil {
		return "", err
	}

	var payload struct {
		VersionID string `json:"packageVersionId"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return "", &CLIError{Op: "CreatePackageVersion", Message: "unparseable create payload: " + err.Error()}
	}
	if payload.VersionID == "" {
		return "", &CLIError{Op: "CreatePackageVersion", Message: "platform returned no version id"}
	}
	return payload.VersionID, nil
}

func (c *CLIClient) InstallPackage(ctx context.Context, versionID, username string) error {
	_, err := c.run(ctx, "InstallPackage",
		"package", "install",
		"--package", versionID,
		"--username", username,
		"--wait",
	)
	return err
}

func (c *CLIClient) PromotePackageVersion(ctx context.Context, versionID string) error {
	_, err := c.run(ctx, "PromotePackageVersion",
		"package", "version", "promote",
		"--package", versionID,
		"--no-prompt",
	)
	return err
}
