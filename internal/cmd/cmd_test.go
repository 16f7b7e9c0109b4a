package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertof1lho/archestra-sub000/internal/testutil"
)

// setupEnv points the CLI at a fresh data directory.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ARCHESTRA_DATA_DIR", dir)
	t.Setenv("ARCHESTRA_SIGNING_KEY", testutil.TestSigningKey)
	t.Setenv("ARCHESTRA_DATABASE_DRIVER", "")
	t.Setenv("ARCHESTRA_DATABASE_DSN", "")
	t.Setenv("ARCHESTRA_GATEWAY_CONFIG", "")
	t.Setenv("ARCHESTRA_API_KEYS", "")
	return dir
}

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	seedFile, validateFile, validateGatewayConfig = "", "", ""
	interactionsAgent, interactionsLimit, interactionsSince = "", 20, 0
	doctorGatewayConfig = ""

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range []string{"version", "serve", "seed", "validate", "interactions", "doctor"} {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestRootCommand_UseAndFlags(t *testing.T) {
	assert.Equal(t, "archestra", rootCmd.Use)
	for _, name := range []string{"config", "verbose", "log-level", "log-format", "otel"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "flag %q should be registered", name)
	}
	for _, name := range []string{"port", "gateway-config", "seed"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), "serve flag %q should be registered", name)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Archestra dev")
	assert.Contains(t, out, "Commit: none")
	assert.NotNil(t, tracer)
}
