package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/robertof1lho/archestra-sub000/internal/mcp"
)

var doctorGatewayConfig string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (data dir, database, gateway config, MCP servers)",
	Long:  "Verifies the data directory is writable, the database and interaction log are usable, the gateway config is valid, and every configured MCP server answers tools/list.",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&doctorGatewayConfig, "gateway-config", "", "gateway config to check (default: gateway_config setting)")
	rootCmd.AddCommand(doctorCmd)
}

//nolint:gocyclo // preflight runs a linear sequence of independent checks
func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "✗ Config: %v\n", err)
		return err
	}
	ok := true

	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		fmt.Fprintf(out, "✗ Data directory: %s not writable: %v\n", cfg.DataDir, err)
		ok = false
	} else {
		_ = os.Remove(testFile)
		fmt.Fprintf(out, "✓ Data directory: %s (writable)\n", cfg.DataDir)
	}

	if st, err := openStore(ctx, cfg); err != nil {
		fmt.Fprintf(out, "✗ Database (%s): %v\n", cfg.DatabaseDriver, err)
		ok = false
	} else {
		if err := st.Ping(ctx); err != nil {
			fmt.Fprintf(out, "✗ Database (%s): %v\n", cfg.DatabaseDriver, err)
			ok = false
		} else if agent, err := st.DefaultAgent(ctx); err != nil {
			fmt.Fprintf(out, "✗ Database (%s): default agent: %v\n", cfg.DatabaseDriver, err)
			ok = false
		} else {
			fmt.Fprintf(out, "✓ Database (%s): default agent %q\n", cfg.DatabaseDriver, agent.Name)
		}
		_ = st.Close()
	}

	if ilog, err := openInteractionStore(cfg); err != nil {
		fmt.Fprintf(out, "✗ Interaction log: %v\n", err)
		ok = false
	} else {
		_ = ilog.Close()
		fmt.Fprintf(out, "✓ Interaction log: %s\n", cfg.InteractionDBPath())
	}
	if cfg.UsingDefaultSigningKey() {
		fmt.Fprintf(out, "! Signing key: generated default (set ARCHESTRA_SIGNING_KEY for production)\n")
	}

	gwCfg, err := loadGatewayConfig(cfg, doctorGatewayConfig)
	if err != nil {
		fmt.Fprintf(out, "✗ Gateway config: %v\n", err)
		return fmt.Errorf("doctor: checks failed")
	}
	fmt.Fprintf(out, "✓ Gateway config: upstream %s\n", gwCfg.Upstream.BaseURL)

	switch {
	case gwCfg.Upstream.APIKeyEnv == "":
		fmt.Fprintf(out, "✓ Upstream key: forwarded from caller Authorization header\n")
	case gwCfg.UpstreamAPIKey() == "":
		fmt.Fprintf(out, "✗ Upstream key: %s is not set\n", gwCfg.Upstream.APIKeyEnv)
		ok = false
	default:
		fmt.Fprintf(out, "✓ Upstream key: from %s\n", gwCfg.Upstream.APIKeyEnv)
	}

	if !checkMCPServers(ctx, cmd, gwCfg.MCPServers) {
		ok = false
	}

	if !ok {
		return fmt.Errorf("doctor: checks failed")
	}
	fmt.Fprintln(out, "All checks passed.")
	return nil
}

// checkMCPServers lists the tools of every configured server.
func checkMCPServers(ctx context.Context, cmd *cobra.Command, servers []mcp.ServerConfig) bool {
	out := cmd.OutOrStdout()
	if len(servers) == 0 {
		fmt.Fprintln(out, "- MCP servers: none configured (tool calls are returned to the caller)")
		return true
	}
	exec, err := mcp.NewExecutor(servers)
	if err != nil {
		fmt.Fprintf(out, "✗ MCP servers: %v\n", err)
		return false
	}
	ok := true
	for _, name := range exec.Servers() {
		client, _ := exec.Client(name)
		tools, err := client.ListTools(ctx)
		if err != nil {
			fmt.Fprintf(out, "✗ MCP %s: %v\n", name, err)
			ok = false
			continue
		}
		fmt.Fprintf(out, "✓ MCP %s: %d tools\n", name, len(tools))
	}
	return ok
}
