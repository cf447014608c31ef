package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/artpar/dualdeploy/internal/core/resolver"
	"github.com/artpar/dualdeploy/internal/shell/planfile"
	"github.com/artpar/dualdeploy/internal/shell/session"
	"github.com/artpar/dualdeploy/internal/shell/store"
	"github.com/artpar/dualdeploy/internal/shell/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPlan = `
steps:
  - name: tokens
    tags: [tokens]
    intents:
      - kind: deploy
        name: mUSDT
        contract: ERC20
        args: ["mUSDT", 6]
  - name: vault
    dependencies: [tokens]
    intents:
      - kind: deploy
        name: Vault
        args: ["${mUSDT.address}"]
`

// =============================================================================
// Test Helpers
// =============================================================================

// setupWorkspace points the CLI at a temp store with fast simulated ledgers.
func setupWorkspace(t *testing.T) (dir string) {
	t.Helper()
	clearEnv(t)
	dir = t.TempDir()

	t.Setenv("DUALDEPLOY_STORE_DRIVER", "file")
	t.Setenv("DUALDEPLOY_STORE_PATH", filepath.Join(dir, "deployments.json"))
	t.Setenv("DUALDEPLOY_TRACKER_POLL_INTERVAL", "2ms")
	t.Setenv("DUALDEPLOY_TRACKER_SUBMIT_BACKOFF", "1ms")
	t.Setenv("DUALDEPLOY_TRACKER_EXEC_TIMEOUT", "10s")
	t.Setenv("DUALDEPLOY_TRACKER_ANCHOR_TIMEOUT", "10s")
	t.Setenv("DUALDEPLOY_NETWORK_BLOCK_INTERVAL", "2ms")
	t.Setenv("DUALDEPLOY_NETWORK_ANCHOR_INTERVAL", "5ms")
	t.Setenv("DUALDEPLOY_LOG_LEVEL", "error")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plan.yaml"), []byte(testPlan), 0o644))
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// =============================================================================
// Command Tests
// =============================================================================

func TestRun_Version(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "dualdeploy dev")
}

func TestRun_Usage(t *testing.T) {
	code, _, errOut := runCLI(t)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, errOut, "Usage: dualdeploy")

	code, _, errOut = runCLI(t, "upgrade")
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, errOut, `unknown command "upgrade"`)
}

func TestRun_DeployThenStatus(t *testing.T) {
	dir := setupWorkspace(t)

	code, out, errOut := runCLI(t, "deploy", "-plan", filepath.Join(dir, "plan.yaml"))
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "mUSDT")
	assert.Contains(t, out, "Vault")
	assert.Contains(t, out, string(domain.StatusFullyConfirmed))

	code, out, errOut = runCLI(t, "status", "-json")
	require.Equal(t, ExitSuccess, code, errOut)

	var records map[string]*domain.DeploymentRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, domain.StatusFullyConfirmed, records["mUSDT"].Status)
	assert.Equal(t, domain.StatusFullyConfirmed, records["Vault"].Status)

	want, err := domain.HashArgs([]any{records["mUSDT"].Address})
	require.NoError(t, err)
	assert.Equal(t, want, records["Vault"].ConstructorArgsHash)
}

func TestRun_DeployTagFilter(t *testing.T) {
	dir := setupWorkspace(t)

	code, _, errOut := runCLI(t, "deploy", "-plan", filepath.Join(dir, "plan.yaml"), "-tags", "tokens")
	require.Equal(t, ExitSuccess, code, errOut)

	code, out, _ := runCLI(t, "status")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "mUSDT")
	assert.NotContains(t, out, "Vault")
}

func TestRun_DeployRequiresPlan(t *testing.T) {
	setupWorkspace(t)

	code, _, _ := runCLI(t, "deploy")
	assert.Equal(t, ExitConfigError, code)

	code, _, _ = runCLI(t, "deploy", "-plan", "missing.hcl")
	assert.Equal(t, ExitConfigError, code)
}

func TestRun_ResolutionErrorExitCode(t *testing.T) {
	dir := setupWorkspace(t)
	path := filepath.Join(dir, "cycle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
steps:
  - name: all
    intents:
      - {kind: deploy, name: A, depends_on: [B]}
      - {kind: deploy, name: B, depends_on: [A]}
`), 0o644))

	code, _, _ := runCLI(t, "deploy", "-plan", path)
	assert.Equal(t, ExitResolutionError, code)
}

func TestRun_Reset(t *testing.T) {
	dir := setupWorkspace(t)

	code, _, errOut := runCLI(t, "deploy", "-plan", filepath.Join(dir, "plan.yaml"), "-tags", "tokens")
	require.Equal(t, ExitSuccess, code, errOut)

	code, _, errOut = runCLI(t, "reset", "mUSDT")
	require.Equal(t, ExitSuccess, code, errOut)

	code, out, _ := runCLI(t, "status", "-json")
	require.Equal(t, ExitSuccess, code)
	assert.JSONEq(t, "{}", out)

	code, _, _ = runCLI(t, "reset", "mUSDT")
	assert.Equal(t, ExitStoreError, code)

	code, _, _ = runCLI(t, "reset")
	assert.Equal(t, ExitConfigError, code)
}

func TestRun_InvalidNetworkConfig(t *testing.T) {
	setupWorkspace(t)
	t.Setenv("DUALDEPLOY_NETWORK_MODE", "rpc")

	code, _, _ := runCLI(t, "serve")
	assert.Equal(t, ExitConfigError, code)
}

// =============================================================================
// Exit Code Tests
// =============================================================================

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"command", &CommandError{Op: "serve", Err: errors.New("bind"), ExitCode: ExitServerError}, ExitServerError},
		{"configuration", &session.ConfigurationError{Field: "exec", Message: "required"}, ExitConfigError},
		{"plan", &planfile.PlanError{Step: "a", Message: "bad"}, ExitConfigError},
		{"drift", &planfile.StepError{Step: "a", Err: &resolver.ResolutionError{Kind: resolver.ErrArgumentDrift}}, ExitResolutionError},
		{"busy", &session.SessionBusyError{Reason: "leased", Err: store.ErrBusy}, ExitStoreError},
		{"batch failed", tracker.ErrBatchFailed, ExitDeployError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

// =============================================================================
// Output Tests
// =============================================================================

func TestPrintRecords(t *testing.T) {
	token := domain.NewPendingRecord("Token", "0xaa", "0x5FbDB2315678afecb367f032d93F642f64180aa3", "0x01", 3)
	require.NoError(t, token.MarkExecConfirmed())
	require.NoError(t, token.MarkFullyConfirmed("anchor-1"))
	faucet := domain.NewPendingRecord("Faucet", "0xbb", "", "", 9)

	var buf bytes.Buffer
	printRecords(&buf, []*domain.DeploymentRecord{faucet, token})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "NAME")
	assert.Contains(t, lines[0], "ANCHOR TX")
	assert.Contains(t, lines[1], "Faucet")
	assert.Contains(t, lines[1], "Pending")
	assert.Contains(t, lines[1], " - ")
	assert.Contains(t, lines[2], "FullyConfirmed")
	assert.Contains(t, lines[2], "anchor-1")
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"tokens", "vault"}, splitList(" tokens, ,vault "))
}
