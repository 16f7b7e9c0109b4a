package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/robertof1lho/archestra-sub000/internal/gateway"
	"github.com/robertof1lho/archestra-sub000/internal/policy"
	"github.com/robertof1lho/archestra-sub000/internal/store"
)

var (
	validateFile          string
	validateGatewayConfig string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a seed file and/or gateway config",
	Long:  "Validates a seed file against its JSON schema and a gateway config against its rules, compiling the guardrail policy.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, span := tracer.Start(ctx, "validate")
		defer span.End()

		if validateFile == "" && validateGatewayConfig == "" {
			return errors.New("nothing to validate: pass --file and/or --gateway-config")
		}
		out := cmd.OutOrStdout()

		if validateFile != "" {
			seed, err := store.LoadSeed(validateFile)
			if err != nil {
				log.Error().Err(err).Str("file", validateFile).Msg("seed_validation_failed")
				fmt.Fprintf(os.Stderr, "✗ Seed invalid: %s\n", validateFile)
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Fprintf(out, "✓ Seed valid: %s\n", validateFile)
			for _, a := range seed.Agents {
				fmt.Fprintf(out, "  Agent: %s (%d tools)\n", a.Name, len(a.Tools))
			}
		}

		if validateGatewayConfig != "" {
			gwCfg, err := gateway.LoadGatewayConfig(validateGatewayConfig)
			if err != nil {
				fmt.Fprintf(os.Stderr, "✗ Gateway config invalid: %s\n", validateGatewayConfig)
				return fmt.Errorf("validation failed: %w", err)
			}
			if _, err := policy.NewGuardrails(ctx, gwCfg.Guardrails); err != nil {
				fmt.Fprintf(os.Stderr, "✗ Guardrail compilation failed: %s\n", validateGatewayConfig)
				return fmt.Errorf("guardrails: %w", err)
			}
			fmt.Fprintf(out, "✓ Gateway config valid: %s\n", validateGatewayConfig)
			fmt.Fprintf(out, "  Upstream: %s\n", gwCfg.Upstream.BaseURL)
			fmt.Fprintf(out, "  MCP servers: %d\n", len(gwCfg.MCPServers))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "seed file to validate")
	validateCmd.Flags().StringVar(&validateGatewayConfig, "gateway-config", "", "gateway config file to validate")
}
