package platform

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeCLI writes a shell script that plays the vendor CLI, dispatching
// on its first two arguments.
func writeFakeCLI(t *testing.T, script string) *CLIClient {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake CLI script requires a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "platform-cli")
	full := "#!/bin/sh\n" + script
	require.NoError(t, os.WriteFile(path, []byte(full), 0o755))
	return NewCLIClient(path, nil)
}

func TestCLIClient_EnvironmentStatus(t *testing.T) {
	client := writeFakeCLI(t, `
echo '{"status":0,"result":{"status":"Active"}}'
`)

	status, err := client.EnvironmentStatus(context.Background(), "ci-1234")
	require.NoError(t, err)
	assert.Equal(t, EnvStatusReady, status)
}

func TestCLIClient_EnvelopeFailure(t *testing.T) {
	// Platform-side failures come back as a zero exit with a non-zero
	// envelope status.
	client := writeFakeCLI(t, `
echo '{"status":1,"message":"limit of active environments reached"}'
`)

	err := client.CreateEnvironment(context.Background(), "ci-1234", "def.json", 7)
	require.Error(t, err)

	var cliErr *CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, "CreateEnvironment", cliErr.Op)
	assert.Contains(t, cliErr.Message, "limit of active environments")
}

func TestCLIClient_ProcessFailure(t *testing.T) {
	client := writeFakeCLI(t, `
echo "segfault" >&2
exit 2
`)

	_, err := client.RunTests(context.Background(), "ci-1234")
	require.Error(t, err)

	var cliErr *CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, 2, cliErr.ExitCode)
	assert.Contains(t, cliErr.Message, "segfault")
}

func TestCLIClient_ListReleasedVersions(t *testing.T) {
	client := writeFakeCLI(t, `
echo '{"status":0,"result":[{"majorVersion":"2","minorVersion":"3","patchVersion":"1","isReleased":true}]}'
`)

	records, err := client.ListReleasedVersions(context.Background(), "my-package")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "2", records[0].Major)
	assert.Equal(t, "3", records[0].Minor)
	assert.Equal(t, "1", records[0].Patch)
	assert.True(t, records[0].IsReleased)
}

func TestCLIClient_RunTests(t *testing.T) {
	client := writeFakeCLI(t, `
echo '{"status":0,"result":{"outcome":"Passed","testRunCoverage":"91%"}}'
`)

	results, err := client.RunTests(context.Background(), "ci-1234")
	require.NoError(t, err)
	assert.True(t, results.Passed)
	assert.Equal(t, 91.0, results.Coverage)
}

func TestCLIClient_RunTests_BadCoverage(t *testing.T) {
	client := writeFakeCLI(t, `
echo '{"status":0,"result":{"outcome":"Passed","testRunCoverage":"n/a"}}'
`)

	_, err := client.RunTests(context.Background(), "ci-1234")
	require.Error(t, err)

	var cliErr *CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Contains(t, cliErr.Message, "unparseable coverage value")
}

func TestCLIClient_RunTests_OmittedCoverage(t *testing.T) {
	client := writeFakeCLI(t, `
echo '{"status":0,"result":{"outcome":"Passed"}}'
`)

	results, err := client.RunTests(context.Background(), "ci-1234")
	require.NoError(t, err)
	assert.True(t, results.Passed)
	assert.Equal(t, 0.0, results.Coverage)
}

func TestCLIClient_DestroyNotFound(t *testing.T) {
	client := writeFakeCLI(t, `
echo '{"status":1,"message":"environment not found"}'
`)

	err := client.DestroyEnvironment(context.Background(), "ci-gone")
	assert.ErrorIs(t, err, ErrEnvironmentNotFound)
}

func TestCLIClient_AuthenticationFailed(t *testing.T) {
	client := writeFakeCLI(t, `
echo '{"status":1,"message":"invalid grant"}'
`)

	err := client.Authenticate(context.Background(), []byte("key"), "release@example.com")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestCLIClient_CreatePackageVersion(t *testing.T) {
	client := writeFakeCLI(t, `
echo '{"status":0,"result":{"packageVersionId":"pkgv-7777"}}'
`)

	id, err := client.CreatePackageVersion(context.Background(), "my-package", "2.4.1.NEXT")
	require.NoError(t, err)
	assert.Equal(t, "pkgv-7777", id)
}

func TestCLIClient_GarbageOutput(t *testing.T) {
	client := writeFakeCLI(t, `
echo 'not json at all'
`)

	_, err := client.EnvironmentStatus(context.Background(), "ci-1234")
	require.Error(t, err)

	var cliErr *CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Contains(t, cliErr.Message, "unparseable")
}
